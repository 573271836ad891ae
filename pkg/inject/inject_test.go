package inject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
	"github.com/aixgo-dev/inspector/pkg/store"
)

func setup(t *testing.T, opts ...Option) (*Injector, *msglog.Log, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry()
	log := msglog.NewLog(store.NewMemoryBackend(), msglog.WithDiscoverer(registry))
	registry.OnComplete(log.Seal)
	t.Cleanup(registry.Close)
	return New(log, registry, opts...), log, registry
}

func count(t *testing.T, log *msglog.Log, s session.Session) int64 {
	t.Helper()
	n, err := log.Count(context.Background(), s)
	require.NoError(t, err)
	return n
}

func TestInject_Running(t *testing.T) {
	inj, log, registry := setup(t)
	ctx := context.Background()
	s := session.New("42")
	require.NoError(t, registry.OnSessionStart(ctx, s, time.Now()))

	err := inj.Inject(ctx, s, Injection{Source: "operator", Destination: "pump.cmd", Payload: []byte("stop")})
	require.NoError(t, err)

	cur, err := log.Scan(ctx, s, msglog.Unbounded(), msglog.Ascending)
	require.NoError(t, err)
	msgs, err := cur.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "operator", m.Source)
	assert.Equal(t, "pump.cmd", m.Destination)
	assert.Equal(t, []byte("stop"), m.Payload)
	assert.Equal(t, "true", m.Metadata[MetaInjected])
	_, err = uuid.Parse(m.Metadata[MetaInjectionID])
	assert.NoError(t, err)
}

func TestInject_NoEffect(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *session.Registry, s session.Session)
	}{
		{
			name:  "unknown session",
			setup: func(*testing.T, *session.Registry, session.Session) {},
		},
		{
			name: "completed session",
			setup: func(t *testing.T, r *session.Registry, s session.Session) {
				require.NoError(t, r.OnSessionStop(context.Background(), s, time.Now()))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj, log, registry := setup(t)
			s := session.New("7")
			tt.setup(t, registry, s)

			err := inj.Inject(context.Background(), s, Injection{Payload: []byte("x")})
			require.NoError(t, err)
			assert.Zero(t, count(t, log, s))
		})
	}
}

type staleStatus struct{}

func (staleStatus) StatusOf(session.Session) (session.Status, bool) {
	return session.StatusRunning, true
}

func TestInject_SealedWhileInjecting(t *testing.T) {
	log := msglog.NewLog(store.NewMemoryBackend())
	s := session.New("9")
	log.Seal(s)

	inj := New(log, staleStatus{})
	require.NoError(t, inj.Inject(context.Background(), s, Injection{Payload: []byte("late")}))
	assert.Zero(t, count(t, log, s))
}

func TestInject_RateLimit(t *testing.T) {
	inj, log, registry := setup(t, WithRateLimit(0.5, 1))
	ctx := context.Background()
	s := session.New("1")
	require.NoError(t, registry.OnSessionStart(ctx, s, time.Now()))

	require.NoError(t, inj.Inject(ctx, s, Injection{Payload: []byte("a")}))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := inj.Inject(short, s, Injection{Payload: []byte("b")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int64(1), count(t, log, s))

	other := session.New("2")
	require.NoError(t, registry.OnSessionStart(ctx, other, time.Now()))
	require.NoError(t, inj.Inject(ctx, other, Injection{Payload: []byte("c")}), "limits are per session")

	inj.Forget(s)
	require.NoError(t, inj.Inject(ctx, s, Injection{Payload: []byte("d")}))
	assert.Equal(t, int64(2), count(t, log, s))
}

type failingBackend struct {
	msglog.Backend
}

func (failingBackend) Append(context.Context, msglog.Message) error {
	return errors.New("disk full")
}

func TestInject_StorageFailure(t *testing.T) {
	registry := session.NewRegistry()
	defer registry.Close()
	log := msglog.NewLog(failingBackend{Backend: store.NewMemoryBackend()}, msglog.WithDiscoverer(registry))
	s := session.New("3")
	require.NoError(t, registry.OnSessionStart(context.Background(), s, time.Now()))

	err := New(log, registry).Inject(context.Background(), s, Injection{Payload: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
