// Package attach stamps parent ids onto Started notifications.
//
// The stage keeps, per execution-context token, a stack of descriptors that have
// started but not finished. A Started notification without an explicit parent is
// attached to the top of its token's stack. The stage is not safe for concurrent
// use; it is meant to run behind a dispatch.Dispatcher.
package attach

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dkoosis/testseq/internal/metrics"
	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/event"
)

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the logger used for dropped notifications.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Stage) { s.log = l.With().Str("component", "attach").Logger() }
}

// WithMetrics counts dropped notifications in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Stage) {
		cv, err := r.CounterVec("attach", "dropped_total", "Notifications dropped as malformed", "op")
		if err != nil {
			s.log.Warn().Err(err).Msg("attach metrics disabled")
			return
		}
		s.droppedVec = cv
	}
}

// Stage is the parent-attachment decorator.
type Stage struct {
	next  event.Processor
	log   zerolog.Logger
	open  map[event.Token][]event.ID
	owner map[event.ID]event.Token

	dropped    int
	droppedVec *prometheus.CounterVec
}

var _ event.Processor = (*Stage)(nil)

// New wraps next.
func New(next event.Processor, opts ...Option) *Stage {
	s := &Stage{
		next:  next,
		log:   zerolog.Nop(),
		open:  make(map[event.Token][]event.ID),
		owner: make(map[event.ID]event.Token),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the innermost open descriptor for tok, or 0.
func (s *Stage) Current(tok event.Token) event.ID {
	stack := s.open[tok]
	if len(stack) == 0 {
		return 0
	}
	return stack[len(stack)-1]
}

// Open returns the open descriptors for tok, outermost first.
func (s *Stage) Open(tok event.Token) []event.ID {
	return append([]event.ID(nil), s.open[tok]...)
}

// Dropped returns how many notifications were dropped as malformed.
func (s *Stage) Dropped() int {
	return s.dropped
}

// Reset forgets everything open under tok.
func (s *Stage) Reset(tok event.Token) {
	for _, id := range s.open[tok] {
		delete(s.owner, id)
	}
	delete(s.open, tok)
}

func (s *Stage) Started(tok event.Token, d event.Descriptor, e event.StartEvent) error {
	if _, dup := s.owner[d.ID]; dup {
		s.drop(event.OpStarted, tok, d.ID, "descriptor already started")
		return nil
	}
	if e.ParentID == 0 {
		if cur := s.Current(tok); cur != 0 {
			e = e.WithParent(cur)
		}
	}
	if d.ParentID == 0 {
		d.ParentID = e.ParentID
	}
	if err := s.next.Started(tok, d, e); err != nil {
		return err
	}
	s.open[tok] = append(s.open[tok], d.ID)
	s.owner[d.ID] = tok
	return nil
}

// Output is forwarded even for ids that are not open.
func (s *Stage) Output(tok event.Token, id event.ID, e event.OutputEvent) error {
	return s.next.Output(tok, id, e)
}

func (s *Stage) Completed(tok event.Token, id event.ID, e event.CompleteEvent) error {
	if !s.isOpen(event.OpCompleted, tok, id) {
		return nil
	}
	if err := s.next.Completed(tok, id, e); err != nil {
		return err
	}
	s.close(id)
	return nil
}

func (s *Stage) Failed(tok event.Token, id event.ID, e event.FailureEvent) error {
	if !s.isOpen(event.OpFailed, tok, id) {
		return nil
	}
	if err := s.next.Failed(tok, id, e); err != nil {
		return err
	}
	s.close(id)
	return nil
}

// isOpen reports whether id has started and not finished, logging and counting a
// drop when it has not.
func (s *Stage) isOpen(op event.Op, tok event.Token, id event.ID) bool {
	if _, ok := s.owner[id]; !ok {
		s.drop(op, tok, id, "no open Started")
		return false
	}
	return true
}

// close removes id from its owner's stack. A terminal the sink rejected leaves id
// open so a later abort can still fail it.
func (s *Stage) close(id event.ID) {
	owner := s.owner[id]
	delete(s.owner, id)

	stack := s.open[owner]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == id {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(s.open, owner)
	} else {
		s.open[owner] = stack
	}
}

func (s *Stage) drop(op event.Op, tok event.Token, id event.ID, reason string) {
	s.dropped++
	if s.droppedVec != nil {
		s.droppedVec.WithLabelValues(op.String()).Inc()
	}
	err := errs.Newf(errs.MalformedEventSequence, op.String(), "%s for id %s", reason, id)
	s.log.Warn().Err(err).Str("token", string(tok)).Msg("dropping notification")
}
