package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/pkg/dispatch"
	"github.com/dkoosis/testseq/pkg/probe"
)

// Sources a resolved value can come from, highest priority first.
const (
	SourceCLI     = "cli"
	SourceEnv     = "env"
	SourceFile    = "file"
	SourceDefault = "default"
)

// ResolvedConfig holds the final configuration after applying all priority rules.
type ResolvedConfig struct {
	Workers       int
	QueueSize     int
	Synchronous   bool
	OnSinkFailure dispatch.FailurePolicy
	ErrorBuffer   int
	Format        string
	Theme         string
	LogLevel      zerolog.Level
	MetricsAddr   string
	Require       []string
	GoTestArgs    []string

	// Sources maps a yaml key to where its value came from.
	Sources map[string]string
}

// ResolveConfig loads the config file and merges env and flags over it.
func ResolveConfig(cliFlags CliFlags) (*ResolvedConfig, error) {
	appCfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return MergeWithFlags(appCfg, cliFlags)
}

// MergeWithFlags applies TESTSEQ_* environment overrides and then CLI flags to
// appCfg and validates the result.
func MergeWithFlags(appCfg *AppConfig, cliFlags CliFlags) (*ResolvedConfig, error) {
	fileSource := SourceDefault
	if appCfg.Path != "" {
		fileSource = SourceFile
	}
	sources := make(map[string]string)
	for _, key := range []string{"workers", "queue_size", "synchronous", "on_sink_failure", "error_buffer", "format", "theme", "log_level", "metrics_addr"} {
		sources[key] = fileSource
	}

	workers := appCfg.Workers
	queueSize := appCfg.QueueSize
	synchronous := appCfg.Synchronous
	onSinkFailure := appCfg.OnSinkFailure
	errorBuffer := appCfg.ErrorBuffer
	format := appCfg.Format
	theme := appCfg.Theme
	logLevel := appCfg.LogLevel
	metricsAddr := appCfg.MetricsAddr

	var errs []string
	envInt := func(key, name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not an integer: %q", name, v))
			return
		}
		*dst = n
		sources[key] = SourceEnv
	}
	envString := func(key, name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = normalize(v)
			sources[key] = SourceEnv
		}
	}

	envInt("workers", "TESTSEQ_WORKERS", &workers)
	envInt("queue_size", "TESTSEQ_QUEUE_SIZE", &queueSize)
	envInt("error_buffer", "TESTSEQ_ERROR_BUFFER", &errorBuffer)
	if b := getEnvBool("TESTSEQ_SYNCHRONOUS"); b != nil {
		synchronous = *b
		sources["synchronous"] = SourceEnv
	}
	envString("on_sink_failure", "TESTSEQ_ON_SINK_FAILURE", &onSinkFailure)
	envString("format", "TESTSEQ_FORMAT", &format)
	envString("theme", "TESTSEQ_THEME", &theme)
	envString("log_level", "TESTSEQ_LOG_LEVEL", &logLevel)
	if v := os.Getenv("TESTSEQ_METRICS_ADDR"); v != "" {
		metricsAddr = strings.TrimSpace(v)
		sources["metrics_addr"] = SourceEnv
	}
	// NO_COLOR and CI pick the mono theme unless a theme was chosen explicitly.
	if sources["theme"] == SourceDefault {
		if noColor := getEnvBool("NO_COLOR", "CI"); noColor != nil && *noColor {
			theme = "mono"
			sources["theme"] = SourceEnv
		}
	}
	if os.Getenv("TESTSEQ_DEBUG") != "" && sources["log_level"] != SourceEnv {
		logLevel = "debug"
		sources["log_level"] = SourceEnv
	}

	if cliFlags.WorkersSet {
		workers = cliFlags.Workers
		sources["workers"] = SourceCLI
	}
	if cliFlags.QueueSizeSet {
		queueSize = cliFlags.QueueSize
		sources["queue_size"] = SourceCLI
	}
	if cliFlags.SynchronousSet {
		synchronous = cliFlags.Synchronous
		sources["synchronous"] = SourceCLI
	}
	if cliFlags.OnSinkFailureSet {
		onSinkFailure = normalize(cliFlags.OnSinkFailure)
		sources["on_sink_failure"] = SourceCLI
	}
	if cliFlags.ErrorBufferSet {
		errorBuffer = cliFlags.ErrorBuffer
		sources["error_buffer"] = SourceCLI
	}
	if cliFlags.FormatSet {
		format = normalize(cliFlags.Format)
		sources["format"] = SourceCLI
	}
	if cliFlags.ThemeSet {
		theme = normalize(cliFlags.Theme)
		sources["theme"] = SourceCLI
	}
	if cliFlags.LogLevelSet {
		logLevel = normalize(cliFlags.LogLevel)
		sources["log_level"] = SourceCLI
	}
	if cliFlags.MetricsAddrSet {
		metricsAddr = strings.TrimSpace(cliFlags.MetricsAddr)
		sources["metrics_addr"] = SourceCLI
	}

	resolved := &ResolvedConfig{
		Workers:     workers,
		QueueSize:   queueSize,
		Synchronous: synchronous,
		ErrorBuffer: errorBuffer,
		Format:      format,
		Theme:       theme,
		MetricsAddr: metricsAddr,
		Require:     appCfg.Require,
		GoTestArgs:  appCfg.GoTestArgs,
		Sources:     sources,
	}

	policy, ok := dispatch.ParseFailurePolicy(onSinkFailure)
	if !ok {
		errs = append(errs, fmt.Sprintf("on_sink_failure: %q (must be: abort, continue)", onSinkFailure))
	}
	resolved.OnSinkFailure = policy

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		errs = append(errs, fmt.Sprintf("log_level: %v", err))
		level = zerolog.WarnLevel
	}
	resolved.LogLevel = level

	if err := validateResolvedConfig(resolved); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return resolved, nil
}

// DispatchOptions translates the dispatcher settings.
func (c *ResolvedConfig) DispatchOptions() []dispatch.Option {
	opts := []dispatch.Option{
		dispatch.WithQueueSize(c.QueueSize),
		dispatch.WithErrorBuffer(c.ErrorBuffer),
		dispatch.WithFailurePolicy(c.OnSinkFailure),
	}
	if c.Synchronous {
		opts = append(opts, dispatch.WithSynchronousDelivery())
	}
	return opts
}

// Probes returns one probe per binary named in require.
func (c *ResolvedConfig) Probes() []probe.Probe {
	probes := make([]probe.Probe, 0, len(c.Require))
	for _, name := range c.Require {
		probes = append(probes, probe.Binary(name, fmt.Sprintf("install %s and make sure it is on PATH", name)))
	}
	return probes
}

// Probe combines Probes; it is nil when nothing is required.
func (c *ResolvedConfig) Probe() probe.Probe {
	if len(c.Require) == 0 {
		return nil
	}
	return probe.All(c.Probes()...)
}

// getEnvBool reads a boolean from environment variables, trying multiple keys.
// Returns nil if none are set, or a pointer to the boolean value.
func getEnvBool(keys ...string) *bool {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				return &b
			}
		}
	}
	return nil
}

// validateResolvedConfig validates the resolved configuration and returns errors for invalid states.
func validateResolvedConfig(cfg *ResolvedConfig) error {
	var problems []string

	switch cfg.Format {
	case FormatAuto, FormatNDJSON, FormatTerminal:
	default:
		problems = append(problems, fmt.Sprintf("format: %q (must be: auto, ndjson, terminal)", cfg.Format))
	}
	switch cfg.Theme {
	case "default", "orca", "mono":
	default:
		problems = append(problems, fmt.Sprintf("theme: %q (must be: default, orca, mono)", cfg.Theme))
	}
	if cfg.Workers < 0 {
		problems = append(problems, fmt.Sprintf("workers must not be negative, got: %d", cfg.Workers))
	}
	if cfg.QueueSize <= 0 {
		problems = append(problems, fmt.Sprintf("queue_size must be positive, got: %d", cfg.QueueSize))
	}
	if cfg.ErrorBuffer <= 0 {
		problems = append(problems, fmt.Sprintf("error_buffer must be positive, got: %d", cfg.ErrorBuffer))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
