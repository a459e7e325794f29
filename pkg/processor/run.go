package processor

import (
	"sync"
	"time"

	"github.com/dkoosis/testseq/pkg/clock"
	"github.com/dkoosis/testseq/pkg/event"
	"github.com/dkoosis/testseq/pkg/idgen"
)

// Run is one class execution as seen by an executor. Its notification methods are
// safe for concurrent use, so an executor may report parallel tests from several
// goroutines.
type Run struct {
	Token event.Token
	Class event.Descriptor

	ids idgen.Generator
	clk clock.Clock
	h   event.Processor

	mu  sync.Mutex
	end time.Time
}

// NewMethod issues a descriptor for a test in this class. It carries no explicit
// parent, so it is attached to whatever is innermost open when it starts.
func (r *Run) NewMethod(name string) event.Descriptor {
	return event.Descriptor{ID: r.ids.Next(), Name: name, ClassName: r.Class.Name, Kind: event.KindMethod}
}

// NewChild issues a descriptor whose parent is fixed to parent, for executors
// that run tests in parallel and cannot rely on nesting.
func (r *Run) NewChild(parent event.Descriptor, name string) event.Descriptor {
	d := r.NewMethod(name)
	d.ParentID = parent.ID
	return d
}

// Now reads the run's clock.
func (r *Run) Now() time.Time {
	return r.clk.Now()
}

// Ended records when the class finished, as the executor observed it. Without it
// the class terminal event is stamped at delivery.
func (r *Run) Ended(t time.Time) {
	r.mu.Lock()
	r.end = t
	r.mu.Unlock()
}

func (r *Run) endTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// Started reports d as running. A zero e.ParentID falls back to d.ParentID.
func (r *Run) Started(d event.Descriptor, e event.StartEvent) error {
	if e.ParentID == 0 {
		e.ParentID = d.ParentID
	}
	return r.h.Started(r.Token, d, e)
}

func (r *Run) Output(id event.ID, e event.OutputEvent) error {
	return r.h.Output(r.Token, id, e)
}

func (r *Run) Completed(id event.ID, e event.CompleteEvent) error {
	return r.h.Completed(r.Token, id, e)
}

func (r *Run) Failed(id event.ID, e event.FailureEvent) error {
	return r.h.Failed(r.Token, id, e)
}
