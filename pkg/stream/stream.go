// Package stream composes the message log and the session registry into the
// three delivery modes offered to observers: finite replay, live tail, and
// replay handing off to live at a single fixed cursor.
package stream

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/pkg/msglog"
	metrics "github.com/aixgo-dev/inspector/pkg/observability"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// Multiplexer owns no state; it is a composition layer over a Log and a
// Registry.
type Multiplexer struct {
	log      *msglog.Log
	registry *session.Registry
	logger   *slog.Logger
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the multiplexer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// New creates a multiplexer over log and registry.
func New(log *msglog.Log, registry *session.Registry, opts ...Option) *Multiplexer {
	m := &Multiplexer{log: log, registry: registry}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = observability.Logger()
	}
	m.logger = m.logger.With("component", "stream")
	return m
}

// Known reports whether the registry has discovered s. Live streams of
// unknown sessions are empty.
func (m *Multiplexer) Known(s session.Session) bool {
	_, ok := m.registry.StatusOf(s)
	return ok
}

// source is the channel-shaped producer behind every stream type.
type source interface {
	C() <-chan msglog.Message
	Done() <-chan struct{}
	Err() error
	Close()
}

// Replay is a cold, finite stream over a resolved range. It ends after the
// last qualifying message.
type Replay struct {
	src source
}

// C returns the message channel, closed at the end of the stream.
func (r *Replay) C() <-chan msglog.Message { return r.src.C() }

// Done is closed once the stream has ended.
func (r *Replay) Done() <-chan struct{} { return r.src.Done() }

// Err waits for the end of the stream and returns the storage error that
// ended it, or the context error if it was cancelled.
func (r *Replay) Err() error { return r.src.Err() }

// Close cancels the stream.
func (r *Replay) Close() { r.src.Close() }

// Collect drains the stream into a slice.
func (r *Replay) Collect() ([]msglog.Message, error) {
	var out []msglog.Message
	for m := range r.src.C() {
		out = append(out, m)
	}
	return out, r.src.Err()
}

// Live is a hot stream of messages appended after it opened. It ends only
// when the session completes or the caller cancels.
type Live struct {
	src source
}

// C returns the message channel, closed at the end of the stream.
func (l *Live) C() <-chan msglog.Message { return l.src.C() }

// Done is closed once the stream has ended.
func (l *Live) Done() <-chan struct{} { return l.src.Done() }

// Err waits for the end of the stream. It is nil when the session completed.
func (l *Live) Err() error { return l.src.Err() }

// Close cancels the stream.
func (l *Live) Close() { l.src.Close() }

// ReplayLive replays history up to a cursor fixed at open time, then
// continues live from exactly that cursor.
type ReplayLive struct {
	src      source
	boundary msglog.RecordID
	hasBound bool
}

// C returns the message channel, closed at the end of the stream.
func (r *ReplayLive) C() <-chan msglog.Message { return r.src.C() }

// Done is closed once the stream has ended.
func (r *ReplayLive) Done() <-chan struct{} { return r.src.Done() }

// Err waits for the end of the stream. It is nil when the session completed.
func (r *ReplayLive) Err() error { return r.src.Err() }

// Close cancels the stream.
func (r *ReplayLive) Close() { r.src.Close() }

// Boundary returns the last message id that existed when the stream
// opened; ok is false if the session had none.
func (r *ReplayLive) Boundary() (id msglog.RecordID, ok bool) { return r.boundary, r.hasBound }

// Replay streams the messages of s inside rng in ascending order. A nil
// right bound is the newest message at call time.
func (m *Multiplexer) Replay(ctx context.Context, s session.Session, rng msglog.Range) (*Replay, error) {
	return m.replay(ctx, s, rng, msglog.Ascending, metrics.ModeReplay)
}

// ReplayReverse streams the same resolved set as Replay in descending order.
func (m *Multiplexer) ReplayReverse(ctx context.Context, s session.Session, rng msglog.Range) (*Replay, error) {
	return m.replay(ctx, s, rng, msglog.Descending, metrics.ModeReplayReverse)
}

func (m *Multiplexer) replay(ctx context.Context, s session.Session, rng msglog.Range, dir msglog.Direction, mode string) (*Replay, error) {
	ctx, span := observability.StartSpan(ctx, "stream."+mode, map[string]any{
		"session": s.Name(),
		"range":   rng.String(),
	})
	defer span.End()

	cursor, err := m.log.Scan(ctx, s, rng, dir)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	return &Replay{src: m.track(mode, s, newCursorSource(ctx, cursor, mode))}, nil
}

// Live streams messages of s appended from now on. An unknown session
// yields an empty stream.
func (m *Multiplexer) Live(ctx context.Context, s session.Session) (*Live, error) {
	src, _, err := m.subscribe(ctx, s, msglog.Unbounded(), metrics.ModeLive, msglog.TailOnly())
	if err != nil {
		return nil, err
	}
	return &Live{src: src}, nil
}

// LiveRange streams messages of s from rng.From (nil meaning the first
// message) onwards, historical ones first, ending after rng.To if set.
func (m *Multiplexer) LiveRange(ctx context.Context, s session.Session, rng msglog.Range) (*Live, error) {
	src, _, err := m.subscribe(ctx, s, rng, metrics.ModeLive)
	if err != nil {
		return nil, err
	}
	return &Live{src: src}, nil
}

// ReplayThenLive delivers every stored message of s and then every message
// appended later, without gaps or duplicates. If s is already completed it
// degenerates to a replay.
func (m *Multiplexer) ReplayThenLive(ctx context.Context, s session.Session) (*ReplayLive, error) {
	src, sub, err := m.subscribe(ctx, s, msglog.Unbounded(), metrics.ModeReplayThenLive)
	if err != nil {
		return nil, err
	}
	rl := &ReplayLive{src: src}
	if sub != nil {
		rl.boundary, rl.hasBound = sub.Boundary()
	}
	return rl, nil
}

// subscribe opens a log subscription gated on the registry. sub is nil for
// unknown sessions.
func (m *Multiplexer) subscribe(ctx context.Context, s session.Session, rng msglog.Range, mode string, opts ...msglog.SubscribeOption) (src source, sub *msglog.Subscription, err error) {
	ctx, span := observability.StartSpan(ctx, "stream."+mode, map[string]any{
		"session": s.Name(),
		"range":   rng.String(),
	})
	defer span.End()

	if err := rng.Validate(); err != nil {
		span.SetError(err)
		return nil, nil, err
	}
	if !m.Known(s) {
		span.SetAttribute("unknown_session", true)
		return m.track(mode, s, emptySource()), nil, nil
	}

	opts = append(opts, msglog.OnDeliver(func(msglog.Message) {
		metrics.RecordMessageDelivered(mode)
	}))
	sub, err = m.log.Subscribe(ctx, s, rng, opts...)
	if err != nil {
		span.SetError(err)
		return nil, nil, err
	}
	return m.track(mode, s, sub), sub, nil
}

// track keeps the active-stream gauge and logs terminal failures.
func (m *Multiplexer) track(mode string, s session.Session, src source) source {
	metrics.StreamOpened(mode)
	go func() {
		<-src.Done()
		err := src.Err()
		failed := err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		if failed {
			m.logger.Warn("stream failed", "mode", mode, "session", s.Name(), "error", err)
		}
		metrics.StreamClosed(mode, failed)
	}()
	return src
}

// cursorSource pumps a finite cursor into a channel.
type cursorSource struct {
	out    chan msglog.Message
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func newCursorSource(ctx context.Context, c *msglog.Cursor, mode string) *cursorSource {
	ctx, cancel := context.WithCancel(ctx)
	cs := &cursorSource{
		out:    make(chan msglog.Message),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(cs.done)
		defer cancel()
		defer close(cs.out)
		for {
			msg, ok := c.Next(ctx)
			if !ok {
				cs.err = c.Err()
				return
			}
			select {
			case cs.out <- msg:
				metrics.RecordMessageDelivered(mode)
			case <-ctx.Done():
				cs.err = ctx.Err()
				return
			}
		}
	}()
	return cs
}

func (cs *cursorSource) C() <-chan msglog.Message { return cs.out }
func (cs *cursorSource) Done() <-chan struct{}    { return cs.done }

func (cs *cursorSource) Err() error {
	<-cs.done
	return cs.err
}

func (cs *cursorSource) Close() {
	cs.cancel()
	<-cs.done
}

// closedSource is an already-ended stream.
type closedSource struct {
	out  chan msglog.Message
	done chan struct{}
}

func emptySource() *closedSource {
	s := &closedSource{out: make(chan msglog.Message), done: make(chan struct{})}
	close(s.out)
	close(s.done)
	return s
}

func (s *closedSource) C() <-chan msglog.Message { return s.out }
func (s *closedSource) Done() <-chan struct{}    { return s.done }
func (s *closedSource) Err() error               { return nil }
func (s *closedSource) Close()                   {}
