package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
	"github.com/aixgo-dev/inspector/pkg/store"
)

type harness struct {
	mux      *Multiplexer
	log      *msglog.Log
	registry *session.Registry

	mu  sync.Mutex
	now int64
}

func newHarness(t *testing.T, backend msglog.Backend) *harness {
	t.Helper()
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	h := &harness{now: 100}
	h.registry = session.NewRegistry()
	h.log = msglog.NewLog(backend, msglog.WithClock(h.clock), msglog.WithDiscoverer(h.registry), msglog.WithPageSize(4))
	h.registry.OnComplete(h.log.Seal)
	h.mux = New(h.log, h.registry)
	t.Cleanup(h.registry.Close)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.UnixMilli(h.now)
}

func (h *harness) appendAt(t *testing.T, s string, ms int64) msglog.Message {
	t.Helper()
	h.mu.Lock()
	h.now = ms
	h.mu.Unlock()
	m, err := h.log.Append(context.Background(), msglog.Message{Session: session.New(s), Payload: []byte("p")})
	require.NoError(t, err)
	return m
}

func (h *harness) stop(t *testing.T, s string) {
	t.Helper()
	require.NoError(t, h.registry.OnSessionStop(context.Background(), session.New(s), time.Now()))
}

type channel interface {
	C() <-chan msglog.Message
}

func drain(t *testing.T, c channel) []msglog.RecordID {
	t.Helper()
	var out []msglog.RecordID
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-c.C():
			if !ok {
				return out
			}
			out = append(out, m.ID)
		case <-timeout:
			t.Fatal("timed out waiting for stream to end")
		}
	}
}

func receive(t *testing.T, c channel) msglog.Message {
	t.Helper()
	select {
	case m, ok := <-c.C():
		require.True(t, ok, "stream ended early")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return msglog.Message{}
	}
}

func assertNothing(t *testing.T, c channel) {
	t.Helper()
	select {
	case m, ok := <-c.C():
		if ok {
			t.Fatalf("unexpected message %s", m.ID)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func rid(ts, seq int64) msglog.RecordID { return msglog.NewRecordID(ts, seq) }

func TestMultiplexer_Scenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := session.New("7")

	h.appendAt(t, "7", 100)
	h.appendAt(t, "7", 100)
	h.appendAt(t, "7", 150)

	n, err := h.log.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	replay, err := h.mux.Replay(ctx, s, msglog.Unbounded())
	require.NoError(t, err)
	assert.Equal(t, []msglog.RecordID{rid(100, 0), rid(100, 1), rid(150, 0)}, drain(t, replay))
	assert.NoError(t, replay.Err())

	reverse, err := h.mux.ReplayReverse(ctx, s, msglog.Until(rid(150, 0)))
	require.NoError(t, err)
	assert.Equal(t, []msglog.RecordID{rid(150, 0), rid(100, 1), rid(100, 0)}, drain(t, reverse))

	rl, err := h.mux.ReplayThenLive(ctx, s)
	require.NoError(t, err)
	defer rl.Close()

	boundary, ok := rl.Boundary()
	require.True(t, ok)
	assert.Equal(t, rid(150, 0), boundary)

	for _, want := range []msglog.RecordID{rid(100, 0), rid(100, 1), rid(150, 0)} {
		assert.Equal(t, want, receive(t, rl).ID)
	}

	h.appendAt(t, "7", 200)
	assert.Equal(t, rid(200, 0), receive(t, rl).ID)
	assertNothing(t, rl)
}

func TestMultiplexer_ReplayThenLiveGapFree(t *testing.T) {
	for attempt := range 20 {
		backend := store.NewMemoryBackend()
		registry := session.NewRegistry()
		log := msglog.NewLog(backend, msglog.WithDiscoverer(registry), msglog.WithPageSize(5))
		registry.OnComplete(log.Seal)
		mux := New(log, registry)
		ctx := context.Background()
		s := session.New("gap")

		const n, k = 40, 120
		for range n {
			_, err := log.Append(ctx, msglog.Message{Session: s})
			require.NoError(t, err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range k {
				_, err := log.Append(ctx, msglog.Message{Session: s})
				assert.NoError(t, err)
			}
		}()

		rl, err := mux.ReplayThenLive(ctx, s)
		require.NoError(t, err)

		<-done
		require.NoError(t, registry.OnSessionStop(ctx, s, time.Now()))

		got := drain(t, rl)
		require.NoError(t, rl.Err())
		require.Len(t, got, n+k, "attempt %d", attempt)
		for i := 1; i < len(got); i++ {
			require.True(t, got[i-1].Less(got[i]), "attempt %d: %s then %s", attempt, got[i-1], got[i])
		}
		registry.Close()
	}
}

func TestMultiplexer_ReverseMirrorsForward(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := session.New("mirror")

	for i := range 11 {
		h.appendAt(t, "mirror", int64(100+i/3))
	}
	h.stop(t, "mirror")

	rng := msglog.Between(rid(100, 2), rid(103, 0))
	forward, err := h.mux.Replay(ctx, s, rng)
	require.NoError(t, err)
	fwd := drain(t, forward)

	reverse, err := h.mux.ReplayReverse(ctx, s, rng)
	require.NoError(t, err)
	rev := drain(t, reverse)

	require.Len(t, fwd, 8)
	require.Len(t, rev, len(fwd))
	for i := range fwd {
		assert.Equal(t, fwd[i], rev[len(rev)-1-i])
	}
}

func TestMultiplexer_UnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ghost := session.New("ghost")

	live, err := h.mux.Live(ctx, ghost)
	require.NoError(t, err)
	assert.Empty(t, drain(t, live))
	assert.NoError(t, live.Err())

	rl, err := h.mux.ReplayThenLive(ctx, ghost)
	require.NoError(t, err)
	assert.Empty(t, drain(t, rl))
	_, ok := rl.Boundary()
	assert.False(t, ok)

	lr, err := h.mux.LiveRange(ctx, ghost, msglog.Since(rid(1, 0)))
	require.NoError(t, err)
	assert.Empty(t, drain(t, lr))

	replay, err := h.mux.Replay(ctx, ghost, msglog.Unbounded())
	require.NoError(t, err)
	msgs, err := replay.Collect()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMultiplexer_CompletedSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := session.New("finished")

	h.appendAt(t, "finished", 100)
	h.appendAt(t, "finished", 110)
	h.stop(t, "finished")

	live, err := h.mux.Live(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, drain(t, live))
	assert.NoError(t, live.Err())

	rl, err := h.mux.ReplayThenLive(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []msglog.RecordID{rid(100, 0), rid(110, 0)}, drain(t, rl))
	assert.NoError(t, rl.Err())
}

func TestMultiplexer_LiveEndsOnCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := session.New("ending")
	h.appendAt(t, "ending", 100)

	live, err := h.mux.Live(ctx, s)
	require.NoError(t, err)

	h.appendAt(t, "ending", 110)
	assert.Equal(t, rid(110, 0), receive(t, live).ID)

	h.stop(t, "ending")
	assert.Empty(t, drain(t, live))
	assert.NoError(t, live.Err())
}

func TestMultiplexer_LiveRange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := session.New("ranged")

	h.appendAt(t, "ranged", 100)
	h.appendAt(t, "ranged", 110)

	lr, err := h.mux.LiveRange(ctx, s, msglog.Since(rid(105, 0)))
	require.NoError(t, err)
	defer lr.Close()

	assert.Equal(t, rid(110, 0), receive(t, lr).ID)
	h.appendAt(t, "ranged", 120)
	assert.Equal(t, rid(120, 0), receive(t, lr).ID)
}

func TestMultiplexer_InvalidRange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := session.New("7")
	h.appendAt(t, "7", 100)
	bad := msglog.Between(rid(150, 0), rid(150, 0))

	_, err := h.mux.Replay(ctx, s, bad)
	assert.ErrorIs(t, err, msglog.ErrInvalidRange)
	_, err = h.mux.ReplayReverse(ctx, s, bad)
	assert.ErrorIs(t, err, msglog.ErrInvalidRange)
	_, err = h.mux.LiveRange(ctx, s, bad)
	assert.ErrorIs(t, err, msglog.ErrInvalidRange)
}

func TestMultiplexer_CancelIsolated(t *testing.T) {
	h := newHarness(t, nil)
	s := session.New("shared")
	h.appendAt(t, "shared", 100)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := h.mux.Live(ctx, s)
	require.NoError(t, err)
	second, err := h.mux.ReplayThenLive(context.Background(), s)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, rid(100, 0), receive(t, second).ID)

	cancel()
	drain(t, first)
	assert.ErrorIs(t, first.Err(), context.Canceled)

	h.appendAt(t, "shared", 110)
	assert.Equal(t, rid(110, 0), receive(t, second).ID)
}

func TestMultiplexer_ReplayClose(t *testing.T) {
	h := newHarness(t, nil)
	s := session.New("big")
	for i := range 20 {
		h.appendAt(t, "big", int64(100+i))
	}

	replay, err := h.mux.Replay(context.Background(), s, msglog.Unbounded())
	require.NoError(t, err)
	receive(t, replay)
	replay.Close()
	assert.ErrorIs(t, replay.Err(), context.Canceled)
}

type brokenReads struct {
	msglog.Backend
}

func (brokenReads) Read(context.Context, session.Session, msglog.Range, msglog.Direction, int) ([]msglog.Message, error) {
	return nil, errors.New("store unavailable")
}

func TestMultiplexer_StorageFailurePropagates(t *testing.T) {
	h := newHarness(t, brokenReads{Backend: store.NewMemoryBackend()})
	ctx := context.Background()
	s := session.New("7")
	h.appendAt(t, "7", 100)

	replay, err := h.mux.Replay(ctx, s, msglog.Unbounded())
	require.NoError(t, err)
	_, err = replay.Collect()
	assert.ErrorContains(t, err, "store unavailable")

	rl, err := h.mux.ReplayThenLive(ctx, s)
	require.NoError(t, err)
	drain(t, rl)
	assert.ErrorContains(t, rl.Err(), "store unavailable")
}
