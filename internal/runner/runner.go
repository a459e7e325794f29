// Package runner wires a go test -json stream through the processor into the
// configured sinks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/internal/config"
	"github.com/dkoosis/testseq/internal/logging"
	"github.com/dkoosis/testseq/internal/metrics"
	"github.com/dkoosis/testseq/pkg/dispatch"
	"github.com/dkoosis/testseq/pkg/event"
	"github.com/dkoosis/testseq/pkg/gotest"
	"github.com/dkoosis/testseq/pkg/probe"
	"github.com/dkoosis/testseq/pkg/processor"
	"github.com/dkoosis/testseq/pkg/sink"
)

// ErrInterrupted is the cause given to everything left open by an interrupt.
var ErrInterrupted = errors.New("interrupted")

// nameWidth pads test names in terminal output.
const nameWidth = 40

// stopTimeout bounds how long an interrupt waits for the sink to drain.
const stopTimeout = 10 * time.Second

// Outcome summarizes a run.
type Outcome struct {
	Packages    int
	Malformed   int
	Summary     sink.Summary
	Stats       dispatch.Stats
	Violations  []sink.Violation
	Interrupted bool
}

// Exit codes.
const (
	ExitOK          = 0
	ExitFailures    = 1
	ExitError       = 2
	ExitInterrupted = 130
)

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	switch {
	case o.Interrupted:
		return ExitInterrupted
	case o.Summary.HasFailures() || len(o.Violations) > 0:
		return ExitFailures
	default:
		return ExitOK
	}
}

// Runner runs test streams with one resolved configuration.
type Runner struct {
	cfg     *config.ResolvedConfig
	stdout  io.Writer
	stderr  io.Writer
	log     zerolog.Logger
	metrics *metrics.Registry
	signals <-chan os.Signal
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger. Pipeline components log through it too.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithMetrics records pipeline metrics in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = reg }
}

// WithSignals replaces the process interrupt signal with ch.
func WithSignals(ch <-chan os.Signal) Option {
	return func(r *Runner) { r.signals = ch }
}

// WithCommand replaces how the go test process is created.
func WithCommand(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) Option {
	return func(r *Runner) { r.command = fn }
}

// New returns a Runner writing results to stdout and go test diagnostics to stderr.
func New(cfg *config.ResolvedConfig, stdout, stderr io.Writer, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		stdout:  stdout,
		stderr:  stderr,
		log:     zerolog.Nop(),
		command: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes go test -json with args, or with the configured go_test_args
// when args is empty.
func (r *Runner) Run(ctx context.Context, args []string) (Outcome, error) {
	if len(args) == 0 {
		args = r.cfg.GoTestArgs
	}
	if len(args) == 0 {
		args = []string{"./..."}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return r.session(ctx, cancel, r.cfg.Probe(), func(ctx context.Context, feed func(io.Reader) error) error {
		cmd := r.command(ctx, "go", append([]string{"test", "-json"}, args...)...)
		cmd.Stderr = r.stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		r.log.Debug().Strs("args", cmd.Args).Msg("starting go test")
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start go test: %w", err)
		}

		feedErr := feed(stdout)
		if feedErr != nil {
			// go test may be blocked writing to a pipe nobody reads anymore.
			cancel()
		}
		waitErr := cmd.Wait()

		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// go test exits non-zero whenever a test fails; the stream says why.
			r.log.Debug().Int("code", exitErr.ExitCode()).Msg("go test exited")
			waitErr = nil
		}
		return errors.Join(feedErr, waitErr)
	})
}

// Replay processes a go test -json stream read from in.
func (r *Runner) Replay(ctx context.Context, in io.Reader) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return r.session(ctx, cancel, nil, func(_ context.Context, feed func(io.Reader) error) error {
		return feed(in)
	})
}

// source starts the producer of the stream and hands it to feed.
type source func(ctx context.Context, feed func(io.Reader) error) error

func (r *Runner) session(ctx context.Context, cancel context.CancelFunc, p probe.Probe, src source) (Outcome, error) {
	var out Outcome

	stopMetrics, err := r.serveMetrics()
	if err != nil {
		return out, err
	}
	defer stopMetrics()

	primary, term, err := r.output()
	if err != nil {
		return out, err
	}
	counter := sink.NewCounter()
	validator := sink.NewValidator(false)

	demux := gotest.NewDemux(gotest.WithWorkers(r.cfg.Workers), gotest.WithLogger(r.log))
	proc := processor.New(demux,
		processor.WithProbe(p),
		processor.WithLogger(r.log),
		processor.WithMetrics(r.metrics),
		processor.WithDispatchOptions(r.cfg.DispatchOptions()...),
	)
	if err := proc.Start(ctx, sink.Multi{primary, counter, validator}); err != nil {
		return out, err
	}

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for err := range proc.Errors() {
			r.log.Warn().Err(err).Msg("sink failure")
		}
	}()

	var interrupted atomic.Bool
	stopWatch := r.watch(proc, cancel, &interrupted)

	runErr := src(ctx, func(in io.Reader) error {
		res, err := demux.Run(ctx, in, proc)
		out.Packages = res.Packages
		out.Malformed = res.Malformed
		return err
	})

	stopWatch()
	stopErr := proc.Stop(context.Background())
	drained.Wait()

	out.Interrupted = interrupted.Load()
	out.Summary = counter.Summary()
	out.Stats = proc.Stats()
	if err := validator.Finish(); err != nil {
		out.Violations = validator.Violations()
		r.log.Warn().Err(err).Int("violations", len(out.Violations)).Msg("stream invariants broken")
	}
	if term != nil {
		if err := term.WriteSummary(); err != nil {
			r.log.Warn().Err(err).Msg("write summary")
		}
	}
	if out.Malformed > 0 {
		r.log.Warn().Int("lines", out.Malformed).Msg("skipped non-JSON lines")
	}

	if out.Interrupted {
		// Pipeline errors after an interrupt are the interrupt itself.
		return out, nil
	}
	// A sink failure also surfaces through runErr; report it once.
	if stopErr != nil {
		return out, stopErr
	}
	return out, runErr
}

// output builds the sink selected by format. The terminal is returned too so
// the caller can print its summary.
func (r *Runner) output() (event.Processor, *sink.Terminal, error) {
	format := r.cfg.Format
	if format == config.FormatAuto {
		format = config.FormatNDJSON
		if logging.IsTerminal(r.stdout) {
			format = config.FormatTerminal
		}
	}
	switch format {
	case config.FormatNDJSON:
		return sink.NewNDJSON(r.stdout), nil, nil
	case config.FormatTerminal:
		term := sink.NewTerminal(r.stdout, sink.ThemeByName(r.cfg.Theme), nameWidth)
		return term, term, nil
	default:
		return nil, nil, fmt.Errorf("unknown format %q", format)
	}
}

// watch turns the first interrupt into StopNow followed by cancel. The returned
// func stops watching.
func (r *Runner) watch(proc *processor.Processor, cancel context.CancelFunc, interrupted *atomic.Bool) func() {
	signals := r.signals
	release := func() {}
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		signals = ch
		release = func() { signal.Stop(ch) }
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-signals:
		case <-done:
			return
		}
		interrupted.Store(true)
		r.log.Info().Msg("interrupt received, closing open tests")
		ctx, stop := context.WithTimeout(context.Background(), stopTimeout)
		defer stop()
		if err := proc.StopNow(ctx, ErrInterrupted); err != nil {
			r.log.Warn().Err(err).Msg("stop after interrupt")
		}
		cancel()
	}()

	return func() {
		close(done)
		<-exited
		release()
	}
}
