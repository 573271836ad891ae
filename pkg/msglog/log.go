package msglog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/internal/queue"
	metrics "github.com/aixgo-dev/inspector/pkg/observability"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// DefaultPageSize is the number of messages fetched per backend read.
const DefaultPageSize = 256

var errNoSession = errors.New("message has no session")

// Log is the per-session append-only message log. It assigns RecordIDs,
// serializes appends per session, and fans appends out to subscriptions.
// Appends to different sessions proceed in parallel. Log is safe for
// concurrent use.
type Log struct {
	backend    Backend
	discoverer Discoverer
	clock      func() time.Time
	logger     *slog.Logger
	pageSize   int
	highWater  int
	maxPending int

	mu    sync.Mutex
	tails map[session.Session]*tail
}

// tail is the per-session append cursor and the set of live listeners.
// Its mutex is the single critical section for id assignment.
type tail struct {
	mu      sync.Mutex
	loaded  bool
	last    RecordID
	hasLast bool
	sealed  bool
	subs    map[*listener]struct{}
}

type listener struct {
	q *queue.Queue[Message]
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock replaces the wall clock used for RecordID timestamps.
func WithClock(clock func() time.Time) LogOption {
	return func(l *Log) {
		l.clock = clock
	}
}

// WithLogger sets the log's logger.
func WithLogger(logger *slog.Logger) LogOption {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithDiscoverer reports every appended message's session to d before the
// message is stored.
func WithDiscoverer(d Discoverer) LogOption {
	return func(l *Log) {
		l.discoverer = d
	}
}

// WithPageSize sets how many messages a scan reads from the backend at once.
func WithPageSize(n int) LogOption {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithSubscriberLimits sets the backlog at which a slow subscriber is
// reported and the backlog at which it is terminated with
// ErrSubscriberOverflow. Zero disables either limit.
func WithSubscriberLimits(highWater, maxPending int) LogOption {
	return func(l *Log) {
		l.highWater = highWater
		l.maxPending = maxPending
	}
}

// NewLog creates a Log over backend.
func NewLog(backend Backend, opts ...LogOption) *Log {
	l := &Log{
		backend:  backend,
		clock:    time.Now,
		pageSize: DefaultPageSize,
		tails:    make(map[session.Session]*tail),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = observability.Logger()
	}
	l.logger = l.logger.With("component", "msglog")
	return l
}

// lookup returns the tail of s without creating one.
func (l *Log) lookup(s session.Session) (*tail, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tails[s]
	return t, ok
}

func (l *Log) tail(s session.Session) *tail {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tails[s]
	if !ok {
		t = &tail{subs: make(map[*listener]struct{})}
		l.tails[s] = t
	}
	return t
}

// loadLocked restores the append cursor from storage. Caller must hold t.mu.
func (l *Log) loadLocked(ctx context.Context, s session.Session, t *tail) error {
	if t.loaded {
		return nil
	}
	last, ok, err := l.backend.Last(ctx, s)
	if err != nil {
		return fmt.Errorf("load tail of session %s: %w", s, err)
	}
	t.last, t.hasLast, t.loaded = last, ok, true
	return nil
}

// nextID applies the sequencing rule: a new millisecond starts at sequence
// zero, anything else continues the last millisecond. A clock that steps
// backwards therefore never produces a smaller id.
func (t *tail) nextID(nowMillis int64) RecordID {
	if !t.hasLast || nowMillis > t.last.Timestamp {
		return RecordID{Timestamp: nowMillis}
	}
	return t.last.Next()
}

// Append assigns msg the next RecordID of its session, stores it, and
// delivers it to every open subscription of the session. The returned
// message carries the assigned id. Appending to a sealed session fails with
// ErrSessionCompleted.
func (l *Log) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.Session.IsZero() {
		return Message{}, errNoSession
	}

	now := l.clock()
	if l.discoverer != nil {
		if err := l.discoverer.Observe(ctx, msg.Session, now); err != nil {
			return Message{}, fmt.Errorf("observe session %s: %w", msg.Session, err)
		}
	}

	t := l.tail(msg.Session)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := l.loadLocked(ctx, msg.Session, t); err != nil {
		return Message{}, err
	}
	if t.sealed {
		return Message{}, fmt.Errorf("append to session %s: %w", msg.Session, ErrSessionCompleted)
	}

	msg.ID = t.nextID(now.UnixMilli())
	if t.hasLast && !t.last.Less(msg.ID) {
		panic(fmt.Sprintf("msglog: record id regression in session %s: %s after %s", msg.Session, msg.ID, t.last))
	}
	if err := l.backend.Append(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("append to session %s: %w", msg.Session, err)
	}
	t.last, t.hasLast = msg.ID, true

	for lis := range t.subs {
		lis.q.Push(msg)
	}
	metrics.RecordMessageAppended()
	return msg, nil
}

// Count returns the number of messages stored for s; zero for unknown sessions.
func (l *Log) Count(ctx context.Context, s session.Session) (int64, error) {
	n, err := l.backend.Count(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("count session %s: %w", s, err)
	}
	return n, nil
}

// Tail returns the id of the newest message of s; ok is false if s has none.
// Sessions the Log has never appended to or subscribed on are answered from
// the backend without being tracked.
func (l *Log) Tail(ctx context.Context, s session.Session) (id RecordID, ok bool, err error) {
	t, tracked := l.lookup(s)
	if !tracked {
		id, ok, err = l.backend.Last(ctx, s)
		if err != nil {
			return RecordID{}, false, fmt.Errorf("load tail of session %s: %w", s, err)
		}
		return id, ok, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := l.loadLocked(ctx, s, t); err != nil {
		return RecordID{}, false, err
	}
	return t.last, t.hasLast, nil
}

// Seal marks s completed: further appends fail and every subscription of s
// ends cleanly once it has delivered what was already appended.
func (l *Log) Seal(s session.Session) {
	t := l.tail(s)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	t.sealed = true
	for lis := range t.subs {
		lis.q.Close(nil)
	}
	clear(t.subs)
	l.logger.Debug("session sealed", "session", s.Name())
}

// Sealed reports whether s has been sealed.
func (l *Log) Sealed(s session.Session) bool {
	t, ok := l.lookup(s)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// Scan returns a finite cursor over the messages of s inside rng. A nil
// right bound is resolved to the newest message at call time, so messages
// appended while the cursor is read are not included. An unknown session
// yields an empty cursor.
func (l *Log) Scan(ctx context.Context, s session.Session, rng Range, dir Direction) (*Cursor, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if rng.To == nil {
		last, ok, err := l.Tail(ctx, s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Cursor{done: true}, nil
		}
		rng.To = &last
	}
	return l.cursor(s, rng, dir), nil
}

func (l *Log) cursor(s session.Session, rng Range, dir Direction) *Cursor {
	c := &Cursor{backend: l.backend, session: s, dir: dir, pageSize: l.pageSize}
	if rng.From != nil {
		from := *rng.From
		c.from = &from
	}
	if rng.To != nil {
		to := *rng.To
		c.to = &to
	}
	if c.from != nil && c.to != nil && c.to.Less(*c.from) {
		c.done = true
	}
	return c
}

// Follow delivers every message of s with an id greater than after, first
// from storage and then live, until s is sealed or ctx is done.
func (l *Log) Follow(ctx context.Context, s session.Session, after RecordID) (*Subscription, error) {
	return l.Subscribe(ctx, s, Since(after.Next()))
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	tailOnly  bool
	onDeliver func(Message)
}

// TailOnly skips stored history: only messages appended after the call are
// delivered.
func TailOnly() SubscribeOption {
	return func(c *subscribeConfig) {
		c.tailOnly = true
	}
}

// OnDeliver calls fn after each message is handed to the consumer.
func OnDeliver(fn func(Message)) SubscribeOption {
	return func(c *subscribeConfig) {
		c.onDeliver = fn
	}
}

// Subscribe delivers the messages of s inside rng in RecordID order. The
// tail cursor is captured and the live listener registered in one critical
// section; stored messages up to that cursor are then read from the backend
// and everything after it comes from the listener, so no message is skipped
// or repeated. A nil From starts at the first message. The subscription
// ends after To is passed, when s is sealed, or when ctx is done.
func (l *Log) Subscribe(ctx context.Context, s session.Session, rng Range, opts ...SubscribeOption) (*Subscription, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	lis := &listener{q: queue.New[Message](queue.Limits{
		HighWater:   l.highWater,
		MaxPending:  l.maxPending,
		OverflowErr: ErrSubscriberOverflow,
		OnHighWater: func(pending int) {
			l.logger.Warn("subscriber falling behind", "session", s.Name(), "pending", pending)
		},
	})}

	t := l.tail(s)
	t.mu.Lock()
	if err := l.loadLocked(ctx, s, t); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	boundary, hasBoundary := t.last, t.hasLast
	if t.sealed {
		lis.q.Close(nil)
	} else {
		t.subs[lis] = struct{}{}
	}
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		out:         make(chan Message),
		done:        make(chan struct{}),
		cancel:      cancel,
		boundary:    boundary,
		hasBoundary: hasBoundary,
	}

	go func() {
		defer close(sub.done)
		defer cancel()
		defer close(sub.out)
		defer l.release(t, lis)
		d := &deliverer{sub: sub, session: s, to: rng.To, onDeliver: cfg.onDeliver}
		sub.err = l.deliver(ctx, d, lis, rng, cfg.tailOnly)
	}()
	return sub, nil
}

func (l *Log) release(t *tail, lis *listener) {
	t.mu.Lock()
	delete(t.subs, lis)
	t.mu.Unlock()
	lis.q.Close(nil)
}

func (l *Log) deliver(ctx context.Context, d *deliverer, lis *listener, rng Range, tailOnly bool) error {
	sub := d.sub
	if !tailOnly && sub.hasBoundary {
		hist := rng
		if hist.To == nil || sub.boundary.Less(*hist.To) {
			to := sub.boundary
			hist.To = &to
		}
		c := l.cursor(d.session, hist, Ascending)
		for {
			m, ok := c.Next(ctx)
			if !ok {
				break
			}
			if more, err := d.emit(ctx, m); err != nil || !more {
				return err
			}
		}
		if err := c.Err(); err != nil {
			return err
		}
	}

	for {
		m, ok, err := lis.q.Pop(ctx)
		if !ok {
			return err
		}
		if sub.hasBoundary && !sub.boundary.Less(m.ID) {
			panic(fmt.Sprintf("msglog: live message %s at or before boundary %s in session %s", m.ID, sub.boundary, d.session))
		}
		if rng.From != nil && m.ID.Less(*rng.From) {
			continue
		}
		if more, err := d.emit(ctx, m); err != nil || !more {
			return err
		}
	}
}

// deliverer hands messages to the consumer and enforces strictly increasing
// ids and the right bound.
type deliverer struct {
	sub       *Subscription
	session   session.Session
	to        *RecordID
	onDeliver func(Message)
	last      RecordID
	delivered bool
}

func (d *deliverer) emit(ctx context.Context, m Message) (bool, error) {
	if d.delivered && !d.last.Less(m.ID) {
		panic(fmt.Sprintf("msglog: record id regression in session %s: %s after %s", d.session, m.ID, d.last))
	}
	if d.to != nil && d.to.Less(m.ID) {
		return false, nil
	}
	select {
	case d.sub.out <- m:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	d.last, d.delivered = m.ID, true
	if d.onDeliver != nil {
		d.onDeliver(m)
	}
	if d.to != nil && *d.to == m.ID {
		return false, nil
	}
	return true, nil
}

// Subscription is an ordered stream of one session's messages.
type Subscription struct {
	out         chan Message
	done        chan struct{}
	cancel      context.CancelFunc
	boundary    RecordID
	hasBoundary bool
	err         error
}

// C returns the message channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.out }

// Done is closed once the subscription has ended and released its listener.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Boundary returns the tail cursor captured when the subscription opened:
// messages up to it came from storage, later ones from the live listener.
// ok is false if the session had no messages.
func (s *Subscription) Boundary() (id RecordID, ok bool) { return s.boundary, s.hasBoundary }

// Close cancels the subscription and waits until it is released.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err waits for the subscription to end and returns why. It is nil when the
// session completed or the right bound was reached, the context error on
// cancellation, and the wrapped backend error on storage failure.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}
