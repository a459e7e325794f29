// Package processor assembles the pipeline and runs test classes through it.
//
//	p := processor.New(exec, processor.WithProbe(probe.Binary("go", "install Go")))
//	if err := p.Start(ctx, sink); err != nil { ... }
//	// from any number of worker goroutines:
//	_ = p.Process(ctx, "example.com/pkg")
//	err := p.Stop(ctx)
package processor

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/internal/metrics"
	"github.com/dkoosis/testseq/pkg/attach"
	"github.com/dkoosis/testseq/pkg/classgen"
	"github.com/dkoosis/testseq/pkg/clock"
	"github.com/dkoosis/testseq/pkg/dispatch"
	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/event"
	"github.com/dkoosis/testseq/pkg/idgen"
	"github.com/dkoosis/testseq/pkg/probe"
)

var (
	// ErrNotStarted is returned by Process and Stop before Start succeeded.
	ErrNotStarted = stderrors.New("processor not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = stderrors.New("processor already started")
)

// Executor runs one test class, reporting through run.
type Executor interface {
	Execute(ctx context.Context, run *Run) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) error

func (f ExecutorFunc) Execute(ctx context.Context, run *Run) error { return f(ctx, run) }

// Option configures a Processor.
type Option func(*Processor)

// WithProbe sets the availability check run by Start.
func WithProbe(p probe.Probe) Option {
	return func(pr *Processor) { pr.probe = p }
}

// WithIDs replaces the id generator.
func WithIDs(g idgen.Generator) Option {
	return func(pr *Processor) { pr.ids = g }
}

// WithClock replaces the clock.
func WithClock(c clock.Clock) Option {
	return func(pr *Processor) { pr.clk = c }
}

// WithLogger sets the logger handed to every stage.
func WithLogger(l zerolog.Logger) Option {
	return func(pr *Processor) { pr.log = l }
}

// WithMetrics records pipeline metrics in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(pr *Processor) { pr.reg = r }
}

// WithDispatchOptions passes options through to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(pr *Processor) { pr.dopts = append(pr.dopts, opts...) }
}

// Processor owns the dispatcher and the decorator chain behind it.
type Processor struct {
	exec  Executor
	probe probe.Probe
	ids   idgen.Generator
	clk   clock.Clock
	log   zerolog.Logger
	reg   *metrics.Registry
	dopts []dispatch.Option

	mu    sync.Mutex
	d     *dispatch.Dispatcher
	proxy *dispatch.Proxy

	classes *prometheus.CounterVec
}

// New returns a Processor that runs classes with exec.
func New(exec Executor, opts ...Option) *Processor {
	p := &Processor{
		exec: exec,
		ids:  idgen.NewSequence(),
		clk:  clock.System(),
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start checks the probe, builds the chain in front of sink and starts the
// dispatcher. Nothing reaches sink when the probe fails.
func (p *Processor) Start(ctx context.Context, sink event.Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.d != nil {
		return ErrAlreadyStarted
	}
	if err := probe.Assert(ctx, p.probe); err != nil {
		return errs.New(errs.FrameworkUnavailable, "start", err)
	}

	attachOpts := []attach.Option{attach.WithLogger(p.log)}
	dopts := []dispatch.Option{dispatch.WithLogger(p.log)}
	if p.reg != nil {
		attachOpts = append(attachOpts, attach.WithMetrics(p.reg))
		dopts = append(dopts, dispatch.WithMetrics(p.reg))
		cv, err := p.reg.CounterVec("processor", "classes_total", "Test classes processed by outcome", "outcome")
		if err != nil {
			p.log.Warn().Err(err).Msg("processor metrics disabled")
		} else {
			p.classes = cv
		}
	}

	chain := classgen.New(attach.New(sink, attachOpts...), p.ids, p.clk, classgen.WithLogger(p.log))
	p.d = dispatch.New(chain, append(dopts, p.dopts...)...)
	p.proxy = p.d.Proxy()
	p.log.Debug().Msg("processor started")
	return nil
}

func (p *Processor) dispatcher() (*dispatch.Dispatcher, *dispatch.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.d, p.proxy
}

// Errors reports sink failures as they happen. It is nil before Start.
func (p *Processor) Errors() <-chan error {
	d, _ := p.dispatcher()
	if d == nil {
		return nil
	}
	return d.Errors()
}

// Stats returns the dispatcher counters.
func (p *Processor) Stats() dispatch.Stats {
	d, _ := p.dispatcher()
	if d == nil {
		return dispatch.Stats{}
	}
	return d.Stats()
}

// Process runs className through the executor. It is safe to call from many
// goroutines at once. Once the class has been announced it is always finished,
// failed with an errs.ExecutorFailure when the executor returns an error or
// panics. The returned error is that failure or a pipeline error.
func (p *Processor) Process(ctx context.Context, className string, opts ...ProcessOption) error {
	_, proxy := p.dispatcher()
	if proxy == nil {
		return ErrNotStarted
	}
	var po processOptions
	for _, opt := range opts {
		opt(&po)
	}

	run := &Run{
		Token: event.Token(uuid.NewString()),
		Class: event.Descriptor{ID: p.ids.Next(), Name: className, ClassName: className, Kind: event.KindClass},
		ids:   p.ids,
		clk:   p.clk,
		h:     proxy,
	}
	log := p.log.With().Str("class", className).Str("token", string(run.Token)).Logger()

	if err := proxy.ClassStarted(run.Token, event.ClassInfo{ID: run.Class.ID, Name: className, Time: po.start}); err != nil {
		log.Debug().Err(err).Msg("class not accepted")
		return err
	}

	var cause error
	if err := p.execute(ctx, run); err != nil {
		cause = errs.New(errs.ExecutorFailure, className, err)
		log.Debug().Err(err).Msg("executor failed")
		p.count("failed")
	} else {
		p.count("finished")
	}

	finishErr := proxy.ClassFinished(run.Token, event.ClassResult{ID: run.Class.ID, Cause: cause, Time: run.endTime()})
	if finishErr != nil {
		log.Debug().Err(finishErr).Msg("class finish not accepted")
	}
	return stderrors.Join(cause, finishErr)
}

// ProcessOption adjusts one Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	start time.Time
}

// StartedAt stamps the class Started with t instead of the delivery time, for
// executors replaying events that carry their own timestamps.
func StartedAt(t time.Time) ProcessOption {
	return func(o *processOptions) { o.start = t }
}

func (p *Processor) execute(ctx context.Context, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "executor panicked")
			} else {
				err = errors.Errorf("executor panicked: %v", r)
			}
		}
	}()
	return p.exec.Execute(ctx, run)
}

func (p *Processor) count(outcome string) {
	if p.classes != nil {
		p.classes.WithLabelValues(outcome).Inc()
	}
}

// Stop waits until every accepted notification reached the sink. It returns the
// sink failure that halted the run, if any.
func (p *Processor) Stop(ctx context.Context) error {
	d, _ := p.dispatcher()
	if d == nil {
		return ErrNotStarted
	}
	return d.Stop(ctx)
}

// StopNow stops intake, delivers what was already accepted and then fails every
// open method and class with cause.
func (p *Processor) StopNow(ctx context.Context, cause error) error {
	d, _ := p.dispatcher()
	if d == nil {
		return ErrNotStarted
	}
	p.log.Info().Err(cause).Msg("stopping now")
	return d.Abort(ctx, cause)
}
