package gotest

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO with a single consumer. Producers never block, so
// the stream reader keeps going while consumers wait for a worker slot.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) put(v T) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, v)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// next blocks until an item is available. It reports false once the queue is
// closed and drained.
func (q *queue[T]) next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, false, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}
