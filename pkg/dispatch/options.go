package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/internal/metrics"
)

// FailurePolicy selects what the dispatcher does when the handler fails.
type FailurePolicy int

const (
	// AbortOnFailure halts intake on the first handler failure, discards whatever is
	// still queued and asks the handler to close open brackets.
	AbortOnFailure FailurePolicy = iota
	// ContinueOnFailure reports the failure and keeps dispatching.
	ContinueOnFailure
)

func (p FailurePolicy) String() string {
	if p == ContinueOnFailure {
		return "continue"
	}
	return "abort"
}

// ParseFailurePolicy accepts "abort" or "continue".
func ParseFailurePolicy(s string) (FailurePolicy, bool) {
	switch s {
	case "abort", "":
		return AbortOnFailure, true
	case "continue":
		return ContinueOnFailure, true
	default:
		return AbortOnFailure, false
	}
}

const (
	DefaultQueueSize   = 1024
	DefaultErrorBuffer = 16
)

type config struct {
	queueSize   int
	errorBuffer int
	synchronous bool
	policy      FailurePolicy
	logger      zerolog.Logger
	registry    *metrics.Registry
}

func defaultConfig() config {
	return config{
		queueSize:   DefaultQueueSize,
		errorBuffer: DefaultErrorBuffer,
		policy:      AbortOnFailure,
		logger:      zerolog.Nop(),
	}
}

// Option configures a Dispatcher.
type Option func(*config)

// WithQueueSize bounds the number of accepted but undelivered notifications.
// Producers block while the queue is full. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithErrorBuffer sizes the Errors channel. Zero makes reports that nobody is
// receiving overflow immediately (they are still logged).
func WithErrorBuffer(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.errorBuffer = n
		}
	}
}

// WithSynchronousDelivery makes Send wait until the handler has processed the
// notification and return the handler's error.
func WithSynchronousDelivery() Option {
	return func(c *config) { c.synchronous = true }
}

// WithFailurePolicy sets the policy applied when the handler fails.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics registers dispatcher metrics with r.
func WithMetrics(r *metrics.Registry) Option {
	return func(c *config) { c.registry = r }
}
