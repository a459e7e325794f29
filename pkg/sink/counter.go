package sink

import (
	"sync"

	"github.com/dkoosis/testseq/pkg/event"
)

// Counter tallies terminal notifications into a Summary without keeping the
// stream. It is what a run consults for its exit status when output goes
// elsewhere.
type Counter struct {
	mu    sync.Mutex
	kinds map[event.ID]event.Kind
	sum   Summary
}

func NewCounter() *Counter {
	return &Counter{kinds: make(map[event.ID]event.Kind)}
}

func (c *Counter) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

func (c *Counter) Started(_ event.Token, d event.Descriptor, _ event.StartEvent) error {
	c.mu.Lock()
	c.kinds[d.ID] = d.Kind
	c.mu.Unlock()
	return nil
}

func (c *Counter) Output(event.Token, event.ID, event.OutputEvent) error { return nil }

func (c *Counter) Completed(_ event.Token, id event.ID, e event.CompleteEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.take(id)
	switch {
	case !ok:
	case kind == event.KindClass:
		c.sum.Classes++
	case e.Result == event.ResultSkipped:
		c.sum.Skipped++
	default:
		c.sum.Passed++
	}
	return nil
}

func (c *Counter) Failed(_ event.Token, id event.ID, _ event.FailureEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.take(id)
	switch {
	case !ok:
	case kind == event.KindClass:
		c.sum.Classes++
		c.sum.ClassFailures++
	default:
		c.sum.Failed++
	}
	return nil
}

func (c *Counter) take(id event.ID) (event.Kind, bool) {
	kind, ok := c.kinds[id]
	delete(c.kinds, id)
	return kind, ok
}
