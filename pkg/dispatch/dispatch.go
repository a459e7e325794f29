// Package dispatch serializes notifications from many goroutines onto one.
//
// A Dispatcher owns a bounded queue and a single consumer goroutine. Every accepted
// notification is delivered to the handler in acceptance order, one at a time, so
// the handler and everything behind it never run concurrently with themselves.
//
//	d := dispatch.New(chain)
//	p := d.Proxy() // safe to share between worker goroutines
//	_ = p.Started(tok, desc, event.StartEvent{})
//	err := d.Stop(ctx) // waits until everything accepted has been delivered
//
// Handlers must not call back into the dispatcher that drives them.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/internal/metrics"
	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/event"
)

var (
	// ErrClosed is returned by Send once Stop or Abort has been called.
	ErrClosed = stderrors.New("dispatcher closed")
	// ErrAborted is the default cause passed to the handler by Abort.
	ErrAborted = stderrors.New("run aborted")
)

type envelope struct {
	msg  event.Message
	done chan error
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Accepted   int64
	Delivered  int64
	Failed     int64
	Discarded  int64
	Unreported int64
}

type dispatchMetrics struct {
	accepted   prometheus.Counter
	delivered  prometheus.Counter
	failed     prometheus.Counter
	discarded  prometheus.Counter
	queueDepth prometheus.Gauge
}

// Dispatcher is a serializing actor in front of an event.Handler.
type Dispatcher struct {
	handler event.Handler
	cfg     config
	log     zerolog.Logger
	metrics *dispatchMetrics

	queue chan envelope
	errC  chan error
	halt  chan struct{}
	doneC chan struct{}

	// mu guards closed; senders hold the read lock while enqueueing so that the
	// queue is only closed once no send is in flight.
	mu         sync.RWMutex
	closed     bool
	abortCause error

	halted   atomic.Bool
	haltOnce sync.Once

	exitMu  sync.Mutex
	failure error

	accepted   atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	discarded  atomic.Int64
	unreported atomic.Int64
}

// New starts a dispatcher delivering to h.
func New(h event.Handler, opts ...Option) *Dispatcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	d := &Dispatcher{
		handler: h,
		cfg:     cfg,
		log:     cfg.logger.With().Str("component", "dispatch").Logger(),
		queue:   make(chan envelope, cfg.queueSize),
		errC:    make(chan error, cfg.errorBuffer),
		halt:    make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	if cfg.registry != nil {
		d.metrics = d.initMetrics(cfg.registry)
	}

	go d.run()
	return d
}

func (d *Dispatcher) initMetrics(r *metrics.Registry) *dispatchMetrics {
	var m dispatchMetrics
	var err error
	if m.accepted, err = r.Counter("dispatch", "accepted_total", "Notifications accepted into the queue"); err != nil {
		d.log.Warn().Err(err).Msg("dispatch metrics disabled")
		return nil
	}
	if m.delivered, err = r.Counter("dispatch", "delivered_total", "Notifications delivered to the handler"); err != nil {
		d.log.Warn().Err(err).Msg("dispatch metrics disabled")
		return nil
	}
	if m.failed, err = r.Counter("dispatch", "failed_total", "Notifications the handler failed on"); err != nil {
		d.log.Warn().Err(err).Msg("dispatch metrics disabled")
		return nil
	}
	if m.discarded, err = r.Counter("dispatch", "discarded_total", "Notifications discarded after an abort"); err != nil {
		d.log.Warn().Err(err).Msg("dispatch metrics disabled")
		return nil
	}
	if m.queueDepth, err = r.Gauge("dispatch", "queue_depth", "Accepted notifications waiting for delivery"); err != nil {
		d.log.Warn().Err(err).Msg("dispatch metrics disabled")
		return nil
	}
	return &m
}

// Proxy returns an event.Handler whose calls are sent through d.
func (d *Dispatcher) Proxy() *Proxy {
	return &Proxy{d: d}
}

// Errors reports handler failures. It is closed after the dispatcher exits.
func (d *Dispatcher) Errors() <-chan error {
	return d.errC
}

// Done is closed once every accepted notification has been handled and the
// consumer goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneC
}

// Err returns the failure that halted the dispatcher, if any.
func (d *Dispatcher) Err() error {
	d.exitMu.Lock()
	defer d.exitMu.Unlock()
	return d.failure
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:   d.accepted.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Discarded:  d.discarded.Load(),
		Unreported: d.unreported.Load(),
	}
}

// Send queues m for delivery. It blocks while the queue is full. With synchronous
// delivery it also waits for the handler and returns its error.
func (d *Dispatcher) Send(m event.Message) error {
	env := envelope{msg: m}
	if d.cfg.synchronous {
		env.done = make(chan error, 1)
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return d.closedErr()
	}
	if d.halted.Load() {
		d.mu.RUnlock()
		return d.Err()
	}
	// Accepted must never trail Delivered.
	d.accepted.Add(1)
	select {
	case d.queue <- env:
	case <-d.halt:
		d.accepted.Add(-1)
		d.mu.RUnlock()
		return d.Err()
	}
	d.mu.RUnlock()

	if d.metrics != nil {
		d.metrics.accepted.Inc()
		d.metrics.queueDepth.Set(float64(len(d.queue)))
	}

	if env.done != nil {
		return <-env.done
	}
	return nil
}

func (d *Dispatcher) closedErr() error {
	if f := d.Err(); f != nil {
		return fmt.Errorf("%w: %w", ErrClosed, f)
	}
	return ErrClosed
}

// Stop stops intake and waits until every accepted notification has been
// delivered. It returns the failure that halted the dispatcher, if any.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.shutdown(ctx, nil)
}

// Abort stops intake, delivers what was already accepted, then asks the handler
// to close everything it still holds open with cause.
func (d *Dispatcher) Abort(ctx context.Context, cause error) error {
	if cause == nil {
		cause = ErrAborted
	}
	return d.shutdown(ctx, cause)
}

func (d *Dispatcher) shutdown(ctx context.Context, cause error) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.abortCause = cause
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.doneC:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.Err()
}

// run must be the only goroutine touching the handler.
func (d *Dispatcher) run() {
	defer close(d.doneC)
	defer close(d.errC)

	for env := range d.queue {
		if d.metrics != nil {
			d.metrics.queueDepth.Set(float64(len(d.queue)))
		}
		if d.halted.Load() {
			d.discard(env)
			continue
		}

		err := d.deliver(env.msg)
		if err != nil {
			d.fail(err)
		}
		if env.done != nil {
			env.done <- err
		}
		if err != nil {
			continue
		}
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.delivered.Inc()
		}
	}

	if d.abortCause != nil && !d.halted.Load() {
		d.log.Info().Err(d.abortCause).Msg("aborting open brackets")
		d.abortHandler(d.abortCause)
	}
	if n := d.discarded.Load(); n > 0 {
		d.log.Warn().Int64("discarded", n).Msg("notifications discarded after halt")
	}
}

func (d *Dispatcher) deliver(m event.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrapf(e, "handler panicked on %s", m.Op)
			} else {
				err = errors.Errorf("handler panicked on %s: %v", m.Op, r)
			}
		}
		if err != nil {
			err = errs.New(errs.DispatchQueueFailure, m.Op.String(), err)
		}
	}()
	return event.Deliver(d.handler, m)
}

func (d *Dispatcher) discard(env envelope) {
	d.discarded.Add(1)
	if d.metrics != nil {
		d.metrics.discarded.Inc()
	}
	if env.done != nil {
		env.done <- d.Err()
	}
	d.log.Debug().
		Stringer("op", env.msg.Op).
		Stringer("id", env.msg.Subject()).
		Msg("discarding notification after halt")
}

func (d *Dispatcher) fail(err error) {
	d.failed.Add(1)
	if d.metrics != nil {
		d.metrics.failed.Inc()
	}
	d.log.Error().Err(err).Str("policy", d.cfg.policy.String()).Msg("handler failed")
	d.report(err)

	if d.cfg.policy == ContinueOnFailure {
		return
	}

	d.exitMu.Lock()
	if d.failure == nil {
		d.failure = err
	}
	d.exitMu.Unlock()

	d.haltOnce.Do(func() {
		d.halted.Store(true)
		close(d.halt)
		d.abortHandler(err)
	})
}

// report hands err to the Errors channel without ever blocking the consumer.
func (d *Dispatcher) report(err error) {
	select {
	case d.errC <- err:
	default:
		d.unreported.Add(1)
		d.log.Error().Err(err).Msg("error channel full; failure only logged")
	}
}

func (d *Dispatcher) abortHandler(cause error) {
	a, ok := d.handler.(event.Aborter)
	if !ok {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("abort panicked: %v", r)
			}
		}()
		return a.Abort(cause)
	}()
	if err != nil {
		err = errs.New(errs.DispatchQueueFailure, "abort", err)
		d.log.Error().Err(err).Msg("closing open brackets failed")
		d.report(err)
	}
}
