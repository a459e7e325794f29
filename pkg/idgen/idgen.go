// Package idgen issues descriptor identifiers.
package idgen

import (
	"sync/atomic"

	"github.com/dkoosis/testseq/pkg/event"
)

// Generator issues ids that are never repeated for the generator's lifetime.
// Implementations must be safe for concurrent use.
type Generator interface {
	Next() event.ID
}

// Sequence issues 1, 2, 3, ... Zero is never returned.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a Sequence whose first id is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next id.
func (s *Sequence) Next() event.ID {
	return event.ID(s.last.Add(1))
}

// Last returns the most recently issued id, or 0.
func (s *Sequence) Last() event.ID {
	return event.ID(s.last.Load())
}
