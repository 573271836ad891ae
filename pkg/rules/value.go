package rules

import (
	"context"
	"sync"
)

// Value is a push-based observable holding the last known value of T.
// Watchers receive the current value immediately and every later change;
// a slow watcher only sees the latest value it has not yet read.
type Value[T any] struct {
	mu       sync.Mutex
	v        T
	watchers map[chan T]struct{}
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, watchers: make(map[chan T]struct{})}
}

// Get returns the last known value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Set stores x and notifies every watcher.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.v = x
	for ch := range v.watchers {
		offer(ch, x)
	}
}

// Watch returns a channel of value changes that is closed when ctx ends.
func (v *Value[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	ch <- v.v
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.watchers, ch)
		close(ch)
		v.mu.Unlock()
	}()
	return ch
}

// offer replaces any unread value in ch with x. Only Set sends, under the
// Value lock, so the send never blocks.
func offer[T any](ch chan T, x T) {
	select {
	case <-ch:
	default:
	}
	ch <- x
}
