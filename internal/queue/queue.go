// Package queue provides the per-subscriber delivery buffer used by every
// live feed. Producers never block on it; a single consumer drains it.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrOverflow is the default terminal error of a queue that exceeded
// Limits.MaxPending.
var ErrOverflow = errors.New("queue overflow")

// Limits configures backlog handling for a Queue.
type Limits struct {
	// HighWater triggers OnHighWater once each time the backlog climbs to
	// this size (0 = never).
	HighWater int
	// MaxPending closes the queue with OverflowErr when the backlog would
	// exceed it (0 = unbounded).
	MaxPending int
	// OverflowErr is the terminal error used on overflow (default ErrOverflow).
	OverflowErr error
	// OnHighWater is called without the queue lock held.
	OnHighWater func(pending int)
}

// Queue is an unbounded FIFO. Push never blocks; Pop blocks until an item is
// available, the queue is closed and drained, or the context is done.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	err    error
	warned bool
	limits Limits
	ready  chan struct{}
}

// New creates an empty queue.
func New[T any](limits Limits) *Queue[T] {
	if limits.OverflowErr == nil {
		limits.OverflowErr = ErrOverflow
	}
	return &Queue[T]{
		limits: limits,
		ready:  make(chan struct{}, 1),
	}
}

// Push appends v. It reports false when the queue is closed, including when
// this push is the one that overflowed it.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	pending := len(q.items) - q.head
	if q.limits.MaxPending > 0 && pending >= q.limits.MaxPending {
		q.closed = true
		q.err = q.limits.OverflowErr
		q.mu.Unlock()
		q.signal()
		return false
	}

	q.items = append(q.items, v)
	pending++

	var notify func(int)
	if q.limits.HighWater > 0 && pending >= q.limits.HighWater && !q.warned {
		q.warned = true
		notify = q.limits.OnHighWater
	}
	q.mu.Unlock()

	q.signal()
	if notify != nil {
		notify(pending)
	}
	return true
}

// Close stops accepting items. Items already queued remain poppable; once
// they are drained Pop returns err. Only the first Close takes effect.
func (q *Queue[T]) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

// Pop returns the next item. ok is false when the queue is closed and empty,
// in which case err is the close error, or when ctx is done, in which case
// err is ctx.Err().
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			v = q.items[q.head]
			var zero T
			q.items[q.head] = zero
			q.head++
			q.compact()
			q.mu.Unlock()
			return v, true, nil
		}
		if q.closed {
			err = q.err
			q.mu.Unlock()
			return v, false, err
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// compact reclaims the consumed prefix. Caller must hold q.mu.
func (q *Queue[T]) compact() {
	pending := len(q.items) - q.head
	switch {
	case pending == 0:
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	if q.limits.HighWater > 0 && pending < q.limits.HighWater/2 {
		q.warned = false
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pump moves items from q to out until q is closed and drained or ctx is
// done. It returns the queue's close error or ctx.Err().
func Pump[T any](ctx context.Context, q *Queue[T], out chan<- T) error {
	for {
		v, ok, err := q.Pop(ctx)
		if !ok {
			return err
		}
		select {
		case out <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
