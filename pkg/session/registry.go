package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/internal/queue"
	metrics "github.com/aixgo-dev/inspector/pkg/observability"
)

// ErrRegistryClosed is returned by lifecycle operations after Close.
var ErrRegistryClosed = errors.New("session registry is closed")

// Registry knows which sessions exist and their current status. It is the
// only owner of lifecycle state and publishes every transition exactly once.
// Registry is safe for concurrent use.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[Session]*Metadata
	order      []Session
	nextOrder  int64
	feeds      map[*Feed]struct{}
	onComplete []func(Session)
	closed     bool
}

var _ Signals = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists every transition to store before it is published.
func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry. One registry exists per running
// inspector; it is discarded with Close when the inspector shuts down.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[Session]*Metadata),
		feeds:    make(map[*Feed]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = observability.Logger()
	}
	r.logger = r.logger.With("component", "session-registry")
	return r
}

// OnComplete registers fn to run when a session completes, before the
// COMPLETED update is published. Hooks also run for sessions restored in
// the completed state. fn must not call back into the registry.
func (r *Registry) OnComplete(fn func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = append(r.onComplete, fn)
}

// Restore loads persisted sessions from the store. Restored sessions are
// not published on status feeds.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	metas, err := r.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, meta := range metas {
		if _, ok := r.sessions[meta.Session]; ok {
			continue
		}
		m := *meta
		r.sessions[m.Session] = &m
		r.order = append(r.order, m.Session)
		if m.Order >= r.nextOrder {
			r.nextOrder = m.Order + 1
		}
		if m.Status == StatusCompleted {
			for _, fn := range r.onComplete {
				fn(m.Session)
			}
		}
		restored++
	}

	slices.SortStableFunc(r.order, func(a, b Session) int {
		return cmp.Compare(r.sessions[a].Order, r.sessions[b].Order)
	})

	r.logger.Info("sessions restored", "count", restored)
	return nil
}

// OnSessionStart discovers s in the RUNNING state. It has no effect on a
// session that is already known.
func (r *Registry) OnSessionStart(ctx context.Context, s Session, at time.Time) error {
	if r.known(s) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	_, err := r.discoverLocked(ctx, s, at)
	return err
}

// Observe discovers s because one of its messages arrived. It is
// equivalent to OnSessionStart.
func (r *Registry) Observe(ctx context.Context, s Session, at time.Time) error {
	return r.OnSessionStart(ctx, s, at)
}

// OnSessionStop completes s. A stop for an unknown session discovers it
// first, so feeds still see RUNNING before COMPLETED. Stopping a completed
// session has no effect.
func (r *Registry) OnSessionStop(ctx context.Context, s Session, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	meta, ok := r.sessions[s]
	if !ok {
		var err error
		if meta, err = r.discoverLocked(ctx, s, at); err != nil {
			return err
		}
	}
	if meta.Status == StatusCompleted {
		return nil
	}

	next := *meta
	next.Status = StatusCompleted
	next.StopTime = at
	if next.StopTime.Before(next.StartTime) {
		next.StopTime = next.StartTime
	}
	if err := r.persist(ctx, &next); err != nil {
		return err
	}
	*meta = next

	for _, fn := range r.onComplete {
		fn(s)
	}
	r.publishLocked(Update{Session: s, Status: StatusCompleted, At: next.StopTime})
	r.logger.Info("session completed", "session", s.Name())
	return nil
}

// discoverLocked adds s in the RUNNING state. Caller must hold r.mu.
func (r *Registry) discoverLocked(ctx context.Context, s Session, at time.Time) (*Metadata, error) {
	if meta, ok := r.sessions[s]; ok {
		return meta, nil
	}

	meta := &Metadata{
		Session:   s,
		Status:    StatusRunning,
		StartTime: at,
		Order:     r.nextOrder,
	}
	if err := r.persist(ctx, meta); err != nil {
		return nil, err
	}

	r.nextOrder++
	r.sessions[s] = meta
	r.order = append(r.order, s)
	r.publishLocked(Update{Session: s, Status: StatusRunning, At: at})
	r.logger.Info("session discovered", "session", s.Name())
	return meta, nil
}

func (r *Registry) persist(ctx context.Context, meta *Metadata) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveSession(ctx, meta); err != nil {
		return fmt.Errorf("save session %s: %w", meta.Session, err)
	}
	return nil
}

// publishLocked fans u out to every feed. Caller must hold r.mu, which keeps
// per-session updates in transition order on every feed.
func (r *Registry) publishLocked(u Update) {
	metrics.RecordSessionTransition(u.Status.String())
	for f := range r.feeds {
		f.q.Push(u)
	}
}

func (r *Registry) known(s Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[s]
	return ok
}

// Sessions returns a snapshot of every known session in discovery order.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// StatusOf returns the current status of s; ok is false for unknown sessions.
func (r *Registry) StatusOf(s Session) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.sessions[s]
	if !ok {
		return 0, false
	}
	return meta.Status, true
}

// StartTimeOf returns when s was discovered; ok is false for unknown sessions.
func (r *Registry) StartTimeOf(s Session) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.sessions[s]
	if !ok {
		return time.Time{}, false
	}
	return meta.StartTime, true
}

// StopTimeOf returns when s completed; ok is false for unknown and for
// still-running sessions.
func (r *Registry) StopTimeOf(s Session) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.sessions[s]
	if !ok || meta.Status != StatusCompleted {
		return time.Time{}, false
	}
	return meta.StopTime, true
}

// LiveStatusUpdates returns a hot feed of transitions that happen from now
// on. Each session appears with RUNNING once when discovered and COMPLETED
// once when it stops; nothing that happened before the call is replayed.
// No ordering is guaranteed between different sessions' updates.
func (r *Registry) LiveStatusUpdates(ctx context.Context) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		q:      queue.New[Update](queue.Limits{}),
		out:    make(chan Update),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	r.mu.Lock()
	if r.closed {
		f.q.Close(nil)
	} else {
		r.feeds[f] = struct{}{}
	}
	r.mu.Unlock()

	go func() {
		defer close(f.done)
		defer close(f.out)
		f.err = queue.Pump(ctx, f.q, f.out)

		r.mu.Lock()
		delete(r.feeds, f)
		r.mu.Unlock()
	}()
	return f
}

// Close ends every status feed. Lifecycle signals after Close fail with
// ErrRegistryClosed; queries keep answering from the last known state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for f := range r.feeds {
		f.q.Close(nil)
	}
}

// Feed is a subscription to lifecycle transitions.
type Feed struct {
	q      *queue.Queue[Update]
	out    chan Update
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// C returns the update channel. It is closed when the feed ends.
func (f *Feed) C() <-chan Update { return f.out }

// Close cancels the feed and waits until it has been released.
func (f *Feed) Close() {
	f.cancel()
	<-f.done
}

// Err waits for the feed to end and returns why: nil when the registry
// closed, the context error when it was cancelled.
func (f *Feed) Err() error {
	<-f.done
	return f.err
}
