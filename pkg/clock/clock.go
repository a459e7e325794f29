// Package clock supplies timestamps to the pipeline.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current wall-clock time. Readings are used for reporting only;
// ordering never depends on them.
type Clock interface {
	Now() time.Time
}

type system struct{}

func (system) Now() time.Time { return time.Now() }

// System returns the process wall clock.
func System() Clock {
	return system{}
}

// Func adapts a function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Manual is a deterministic clock for tests. Each Now call returns the current
// reading and then advances it by step.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time, step time.Duration) *Manual {
	return &Manual{now: start, step: step}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now
	m.now = m.now.Add(m.step)
	return t
}

// Set moves the clock to t. Moving backwards is allowed.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
