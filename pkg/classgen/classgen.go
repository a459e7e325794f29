// Package classgen brackets each test-class execution with synthesized class
// events.
//
// A Generator sits behind the dispatcher. ClassStarted opens a bracket for the
// execution token and emits the class Started, at the time the caller observed
// or else at the clock's reading; method notifications for that token
// pass through with their timestamps stamped and clamped so the bracket never goes
// backwards in time; ClassFinished closes whatever methods are still open and then
// emits the class terminal event. Like the other stages it is not safe for
// concurrent use.
package classgen

import (
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/pkg/clock"
	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/event"
	"github.com/dkoosis/testseq/pkg/idgen"
)

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger used for malformed class notifications.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Generator) { g.log = l.With().Str("component", "classgen").Logger() }
}

type bracket struct {
	class event.Descriptor
	last  time.Time
	open  []event.ID
}

// stamp fills a zero time from clk and clamps t so it never precedes what the
// bracket has already emitted.
func (b *bracket) stamp(t time.Time, clk clock.Clock) time.Time {
	if t.IsZero() {
		t = clk.Now()
	}
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	return t
}

func (b *bracket) forget(id event.ID) {
	for i, open := range b.open {
		if open == id {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return
		}
	}
}

// Generator is the event generation stage.
type Generator struct {
	next  event.Processor
	ids   idgen.Generator
	clk   clock.Clock
	log   zerolog.Logger
	open  map[event.Token]*bracket
	order []event.Token
}

var (
	_ event.Handler = (*Generator)(nil)
	_ event.Aborter = (*Generator)(nil)
)

// New returns a Generator forwarding to next. ids issues class ids that the
// caller did not supply; clk stamps every event that arrives without a time.
func New(next event.Processor, ids idgen.Generator, clk clock.Clock, opts ...Option) *Generator {
	g := &Generator{
		next: next,
		ids:  ids,
		clk:  clk,
		log:  zerolog.Nop(),
		open: make(map[event.Token]*bracket),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Brackets returns the number of class executions currently open.
func (g *Generator) Brackets() int {
	return len(g.open)
}

func (g *Generator) ClassStarted(tok event.Token, c event.ClassInfo) error {
	if b, dup := g.open[tok]; dup {
		err := errs.Newf(errs.MalformedEventSequence, "class-started", "token already runs class %q", b.class.Name)
		g.log.Warn().Err(err).Str("token", string(tok)).Str("class", c.Name).Msg("dropping notification")
		return nil
	}
	id := c.ID
	if id == 0 {
		id = g.ids.Next()
	}
	b := &bracket{class: event.Descriptor{ID: id, Name: c.Name, ClassName: c.Name, Kind: event.KindClass}}
	start := event.StartEvent{Time: b.stamp(c.Time, g.clk)}
	if err := g.next.Started(tok, b.class, start); err != nil {
		return err
	}
	g.open[tok] = b
	g.order = append(g.order, tok)
	return nil
}

func (g *Generator) ClassFinished(tok event.Token, r event.ClassResult) error {
	b, ok := g.open[tok]
	if !ok {
		err := errs.Newf(errs.MalformedEventSequence, "class-finished", "no class open for id %s", r.ID)
		g.log.Warn().Err(err).Str("token", string(tok)).Msg("dropping notification")
		return nil
	}
	if r.ID != 0 && r.ID != b.class.ID {
		g.log.Warn().
			Stringer("want", b.class.ID).
			Stringer("got", r.ID).
			Str("token", string(tok)).
			Msg("class finished with a different id; closing the open one")
	}
	g.release(tok)
	return g.close(tok, b, r.Cause, r.Time)
}

// Abort closes every open bracket, in the order they were opened, failing each
// open method and then its class with cause.
func (g *Generator) Abort(cause error) error {
	var errList []error
	for len(g.order) > 0 {
		tok := g.order[0]
		b := g.open[tok]
		g.release(tok)
		if err := g.close(tok, b, cause, time.Time{}); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (g *Generator) release(tok event.Token) {
	delete(g.open, tok)
	for i, t := range g.order {
		if t == tok {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// close ends the methods still open, innermost first, then the class, all at
// the end time (zero reads the clock). A nil cause completes them; otherwise every
// one of them fails with cause.
func (g *Generator) close(tok event.Token, b *bracket, cause error, end time.Time) error {
	at := b.stamp(end, g.clk)
	var errList []error
	for i := len(b.open) - 1; i >= 0; i-- {
		if err := g.end(tok, b.open[i], cause, at); err != nil {
			errList = append(errList, err)
		}
	}
	b.open = nil
	if err := g.end(tok, b.class.ID, cause, at); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

func (g *Generator) end(tok event.Token, id event.ID, cause error, at time.Time) error {
	if cause != nil {
		return g.next.Failed(tok, id, event.FailureEvent{Time: at, Cause: cause})
	}
	return g.next.Completed(tok, id, event.CompleteEvent{Time: at})
}

func (g *Generator) Started(tok event.Token, d event.Descriptor, e event.StartEvent) error {
	b, ok := g.open[tok]
	if !ok {
		return g.next.Started(tok, d, e)
	}
	e.Time = b.stamp(e.Time, g.clk)
	if d.ClassName == "" {
		d.ClassName = b.class.Name
	}
	if err := g.next.Started(tok, d, e); err != nil {
		return err
	}
	if !slices.Contains(b.open, d.ID) {
		b.open = append(b.open, d.ID)
	}
	return nil
}

// ownClassTerminal drops a terminal event aimed at the open class itself; only
// ClassFinished may end the bracket.
func (g *Generator) ownClassTerminal(tok event.Token, op event.Op) {
	err := errs.Newf(errs.MalformedEventSequence, op.String(), "class %q is closed by ClassFinished", g.open[tok].class.Name)
	g.log.Warn().Err(err).Str("token", string(tok)).Msg("dropping notification")
}

func (g *Generator) Output(tok event.Token, id event.ID, e event.OutputEvent) error {
	if b, ok := g.open[tok]; ok {
		e.Time = b.stamp(e.Time, g.clk)
	}
	return g.next.Output(tok, id, e)
}

func (g *Generator) Completed(tok event.Token, id event.ID, e event.CompleteEvent) error {
	if b, ok := g.open[tok]; ok {
		if id == b.class.ID {
			g.ownClassTerminal(tok, event.OpCompleted)
			return nil
		}
		e.Time = b.stamp(e.Time, g.clk)
		if err := g.next.Completed(tok, id, e); err != nil {
			return err
		}
		b.forget(id)
		return nil
	}
	return g.next.Completed(tok, id, e)
}

func (g *Generator) Failed(tok event.Token, id event.ID, e event.FailureEvent) error {
	if b, ok := g.open[tok]; ok {
		if id == b.class.ID {
			g.ownClassTerminal(tok, event.OpFailed)
			return nil
		}
		e.Time = b.stamp(e.Time, g.clk)
		if err := g.next.Failed(tok, id, e); err != nil {
			return err
		}
		b.forget(id)
		return nil
	}
	return g.next.Failed(tok, id, e)
}
