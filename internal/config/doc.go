// Package config handles configuration loading and merging for testseq.
//
// # Configuration Precedence
//
// Configuration values are resolved in the following order (highest to lowest priority):
//
//  1. CLI flags (--workers, --queue-size, --format, --theme, etc.)
//  2. Environment variables (TESTSEQ_*, NO_COLOR, CI)
//  3. YAML config file (.testseq.yaml in the local directory or ~/.config/testseq/.testseq.yaml)
//  4. Hardcoded defaults
//
// ResolvedConfig.Sources records which of these supplied each value.
//
// # Keys
//
//   - workers: packages processed at once; 0 means unbounded
//   - queue_size: capacity of the dispatch queue
//   - synchronous: wait for each notification to reach the sink
//   - on_sink_failure: abort or continue after a sink error
//   - error_buffer: capacity of the asynchronous error channel
//   - format: auto, ndjson or terminal
//   - theme: default, orca or mono
//   - log_level: a zerolog level name
//   - metrics_addr: serve Prometheus metrics on this address
//   - require: binaries that must be on PATH before a run starts
//   - go_test_args: arguments passed to go test when none are given
//
// # Environment Variables
//
// Every scalar key has a TESTSEQ_ variable, e.g. TESTSEQ_QUEUE_SIZE.
// NO_COLOR or CI select the mono theme when no theme was configured.
// TESTSEQ_DEBUG sets the log level to debug.
package config
