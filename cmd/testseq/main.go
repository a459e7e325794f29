// testseq turns go test -json into a well-formed, ordered stream of test
// notifications: one class bracket per package, every test started and
// finished exactly once.
//
// Usage:
//
//	testseq run [flags] [-- go test args]
//	go test -json ./... | testseq [replay] [flags]
//	testseq validate [--strict] < records.ndjson
//	testseq probe
//	testseq version
//
// Output formats (auto-detected):
//
//	terminal  styled tree of packages and tests (default when TTY)
//	ndjson    one JSON record per notification (default when piped)
//
// Exit codes: 0 clean, 1 failing tests or a malformed stream, 2 usage, probe or
// pipeline error, 130 interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/internal/config"
	"github.com/dkoosis/testseq/internal/detect"
	"github.com/dkoosis/testseq/internal/logging"
	"github.com/dkoosis/testseq/internal/metrics"
	"github.com/dkoosis/testseq/internal/runner"
	"github.com/dkoosis/testseq/internal/version"
	"github.com/dkoosis/testseq/pkg/probe"
	"github.com/dkoosis/testseq/pkg/sink"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := "replay"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runTests(args, stdout, stderr)
	case "replay":
		return runReplay(args, stdin, stdout, stderr)
	case "validate":
		return runValidate(args, stdin, stdout, stderr)
	case "probe":
		return runProbe(args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return runner.ExitOK
	case "help":
		usage(stdout)
		return runner.ExitOK
	default:
		fmt.Fprintf(stderr, "testseq: unknown command %q\n", cmd)
		usage(stderr)
		return runner.ExitError
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  testseq run [flags] [-- go test args]   run go test -json and sequence its events
  testseq replay [flags] < go-test.json   sequence a recorded go test -json stream
  testseq validate [--strict] < out.json  check a testseq record stream
  testseq probe                           check that required tools are installed
  testseq version                         print version information
`)
}

// pipelineFlags are shared by run and replay.
type pipelineFlags struct {
	workers       *int
	queueSize     *int
	synchronous   *bool
	onSinkFailure *string
	errorBuffer   *int
	format        *string
	theme         *string
	logLevel      *string
	metricsAddr   *string
}

func bindPipelineFlags(fs *flag.FlagSet) *pipelineFlags {
	return &pipelineFlags{
		workers:       fs.Int("workers", 0, "Packages processed at once (0: unbounded)"),
		queueSize:     fs.Int("queue-size", config.DefaultQueueSize, "Dispatch queue capacity"),
		synchronous:   fs.Bool("sync", false, "Wait for every notification to reach the output"),
		onSinkFailure: fs.String("on-sink-failure", config.DefaultOnSinkFailure, "Output failure policy: abort, continue"),
		errorBuffer:   fs.Int("error-buffer", config.DefaultErrorBuffer, "Buffered output failures"),
		format:        fs.String("format", config.DefaultFormat, "Output format: auto, ndjson, terminal"),
		theme:         fs.String("theme", config.DefaultTheme, "Theme: default, orca, mono"),
		logLevel:      fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error"),
		metricsAddr:   fs.String("metrics-addr", "", "Serve Prometheus metrics on this address"),
	}
}

// cliFlags reports the flag values, marking the ones set on the command line.
func (p *pipelineFlags) cliFlags(fs *flag.FlagSet) config.CliFlags {
	c := config.CliFlags{
		Workers:       *p.workers,
		QueueSize:     *p.queueSize,
		Synchronous:   *p.synchronous,
		OnSinkFailure: *p.onSinkFailure,
		ErrorBuffer:   *p.errorBuffer,
		Format:        *p.format,
		Theme:         *p.theme,
		LogLevel:      *p.logLevel,
		MetricsAddr:   *p.metricsAddr,
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			c.WorkersSet = true
		case "queue-size":
			c.QueueSizeSet = true
		case "sync":
			c.SynchronousSet = true
		case "on-sink-failure":
			c.OnSinkFailureSet = true
		case "error-buffer":
			c.ErrorBufferSet = true
		case "format":
			c.FormatSet = true
		case "theme":
			c.ThemeSet = true
		case "log-level":
			c.LogLevelSet = true
		case "metrics-addr":
			c.MetricsAddrSet = true
		}
	})
	return c
}

// setup parses the flags for cmd and builds a runner from the resolved config.
func setup(cmd string, args []string, stdout, stderr io.Writer) (*runner.Runner, []string, int) {
	fs := flag.NewFlagSet("testseq "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	pf := bindPipelineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, runner.ExitError
	}

	cfg, err := config.ResolveConfig(pf.cliFlags(fs))
	if err != nil {
		fmt.Fprintf(stderr, "testseq: %v\n", err)
		return nil, nil, runner.ExitError
	}

	log := logging.New(stderr, cfg.LogLevel)
	opts := []runner.Option{runner.WithLogger(log)}
	if cfg.MetricsAddr != "" {
		opts = append(opts, runner.WithMetrics(metrics.NewRegistry()))
	}
	logConfig(log, cfg)
	return runner.New(cfg, stdout, stderr, opts...), fs.Args(), -1
}

func logConfig(log zerolog.Logger, cfg *config.ResolvedConfig) {
	ev := log.Debug()
	for key, src := range cfg.Sources {
		ev = ev.Str(key, src)
	}
	ev.Msg("config resolved")
}

// finish prints err, if any, and returns the exit code for the outcome.
func finish(out runner.Outcome, err error, stderr io.Writer) int {
	if err != nil {
		fmt.Fprintf(stderr, "testseq: %v\n", err)
		return runner.ExitError
	}
	return out.ExitCode()
}

func runTests(args []string, stdout, stderr io.Writer) int {
	r, goArgs, code := setup("run", args, stdout, stderr)
	if code >= 0 {
		return code
	}
	out, err := r.Run(context.Background(), goArgs)
	return finish(out, err, stderr)
}

func runReplay(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	r, rest, code := setup("replay", args, stdout, stderr)
	if code >= 0 {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintf(stderr, "testseq replay: unexpected arguments %q\n", rest)
		return runner.ExitError
	}

	br := bufio.NewReaderSize(stdin, 8*1024)
	format, err := detect.Peek(br)
	if err != nil {
		fmt.Fprintf(stderr, "testseq: reading stdin: %v\n", err)
		return runner.ExitError
	}
	switch format {
	case detect.RecordStream:
		fmt.Fprintf(stderr, "testseq: stdin holds %s; use testseq validate\n", format)
		return runner.ExitError
	case detect.Unknown:
		if _, err := br.Peek(1); err != nil {
			fmt.Fprintf(stderr, "testseq: no input on stdin\n")
			return runner.ExitError
		}
	}

	out, err := r.Replay(context.Background(), br)
	return finish(out, err, stderr)
}

func runValidate(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("testseq validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	strict := fs.Bool("strict", false, "Also report output for tests that are not running")
	if err := fs.Parse(args); err != nil {
		return runner.ExitError
	}

	schema, err := sink.NewSchemaValidator()
	if err != nil {
		fmt.Fprintf(stderr, "testseq validate: %v\n", err)
		return runner.ExitError
	}
	validator := sink.NewValidator(*strict)
	counter := sink.NewCounter()
	check := sink.Multi{validator, counter}

	records, schemaErrors := 0, 0
	err = sink.ReadNDJSON(context.Background(), stdin, func(raw []byte, rec sink.WireRecord) error {
		records++
		if err := schema.Validate(raw); err != nil {
			schemaErrors++
			fmt.Fprintf(stdout, "#%d schema: %v\n", rec.Seq, err)
			return nil
		}
		return rec.Apply(check)
	})
	if err != nil {
		fmt.Fprintf(stderr, "testseq validate: %v\n", err)
		return runner.ExitError
	}

	finishErr := validator.Finish()
	for _, v := range validator.Violations() {
		fmt.Fprintln(stdout, v.String())
	}
	s := counter.Summary()
	fmt.Fprintf(stdout, "%d records, %d classes, %d passed, %d failed, %d skipped\n",
		records, s.Classes, s.Passed, s.Failed, s.Skipped)

	if schemaErrors > 0 || finishErr != nil {
		return runner.ExitFailures
	}
	return runner.ExitOK
}

func runProbe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("testseq probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return runner.ExitError
	}
	cfg, err := config.ResolveConfig(config.CliFlags{})
	if err != nil {
		fmt.Fprintf(stderr, "testseq: %v\n", err)
		return runner.ExitError
	}

	probes := append(cfg.Probes(), probe.Command("go", "install Go from https://go.dev/dl", "version"))
	code := runner.ExitOK
	for _, p := range probes {
		res := p.Check(context.Background())
		fmt.Fprintln(stdout, res.String())
		if !res.Available {
			code = runner.ExitError
		}
	}
	if code != runner.ExitOK {
		fmt.Fprintln(stderr, "testseq: required tools are missing")
	}
	return code
}
