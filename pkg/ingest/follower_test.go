package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
	"github.com/aixgo-dev/inspector/pkg/store"
)

const testStream = "test:ingest"

type fixture struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	log      *msglog.Log
	registry *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := session.NewRegistry()
	log := msglog.NewLog(store.NewMemoryBackend(), msglog.WithDiscoverer(registry))
	registry.OnComplete(log.Seal)
	t.Cleanup(registry.Close)

	return &fixture{mr: mr, client: client, log: log, registry: registry}
}

func (f *fixture) publish(t *testing.T, values map[string]any) string {
	t.Helper()
	id, err := f.client.XAdd(context.Background(), &redis.XAddArgs{Stream: testStream, Values: values}).Result()
	require.NoError(t, err)
	return id
}

func (f *fixture) run(t *testing.T, opts ...Option) (*Follower, func() error) {
	t.Helper()
	opts = append([]Option{WithStream(testStream), WithBlock(20 * time.Millisecond)}, opts...)
	fol := NewFollower(f.client, f.log, f.registry, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fol.Run(ctx) }()

	var (
		once   sync.Once
		runErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errc:
			case <-time.After(2 * time.Second):
				runErr = errors.New("follower did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return fol, stop
}

func TestFollower_AppliesEntriesInOrder(t *testing.T) {
	f := newFixture(t)
	s := session.New("1700000000000")

	f.publish(t, map[string]any{FieldKind: KindStart, FieldSession: s.Name(), FieldTime: "1700000000000"})
	f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: s.Name(), FieldSource: "a.out", FieldDest: "b.in", FieldPayload: "hello"})
	f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: s.Name(), FieldSource: "b.out", FieldDest: "a.in", FieldPayload: "world"})
	last := f.publish(t, map[string]any{FieldKind: KindStop, FieldSession: s.Name(), FieldTime: "1700000005000"})

	fol, stop := f.run(t, WithStartID("0"))

	require.Eventually(t, func() bool { return fol.LastID() == last }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	status, ok := f.registry.StatusOf(s)
	require.True(t, ok)
	assert.Equal(t, session.StatusCompleted, status)

	start, _ := f.registry.StartTimeOf(s)
	assert.Equal(t, time.UnixMilli(1700000000000), start)
	stopAt, _ := f.registry.StopTimeOf(s)
	assert.Equal(t, time.UnixMilli(1700000005000), stopAt)

	cur, err := f.log.Scan(context.Background(), s, msglog.Unbounded(), msglog.Ascending)
	require.NoError(t, err)
	msgs, err := cur.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a.out", msgs[0].Source)
	assert.Equal(t, "b.in", msgs[0].Destination)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
	assert.Equal(t, []byte("world"), msgs[1].Payload)
}

func TestFollower_FromNow(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: "old", FieldPayload: "before"})

	fol, _ := f.run(t)
	require.Eventually(t, func() bool { return fol.Healthy(context.Background()) == nil }, time.Second, 5*time.Millisecond)
	// give the follower time to resolve its start id
	time.Sleep(50 * time.Millisecond)

	id := f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: "new", FieldPayload: "after"})
	require.Eventually(t, func() bool { return fol.LastID() == id }, 2*time.Second, 10*time.Millisecond)

	_, known := f.registry.StatusOf(session.New("old"))
	assert.False(t, known)
	n, err := f.log.Count(context.Background(), session.New("new"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFollower_SkipsBadEntries(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]any{FieldKind: "restart", FieldSession: "1"})
	f.publish(t, map[string]any{FieldKind: KindMsg})
	f.publish(t, map[string]any{FieldKind: KindStart, FieldSession: "1", FieldTime: "yesterday"})
	f.publish(t, map[string]any{FieldKind: KindStop, FieldSession: "2"})
	last := f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: "2", FieldPayload: "late"})

	fol, _ := f.run(t, WithStartID("0"))
	require.Eventually(t, func() bool { return fol.LastID() == last }, 2*time.Second, 10*time.Millisecond)

	_, known := f.registry.StatusOf(session.New("1"))
	assert.False(t, known)

	n, err := f.log.Count(context.Background(), session.New("2"))
	require.NoError(t, err)
	assert.Zero(t, n, "messages after stop are dropped")
}

func TestFollower_Healthy(t *testing.T) {
	f := newFixture(t)
	fol := NewFollower(f.client, f.log, f.registry, WithStream(testStream))
	assert.ErrorIs(t, fol.Healthy(context.Background()), ErrNotRunning)

	_, stop := f.run(t)
	require.NoError(t, stop())
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, msglog.Message) (msglog.Message, error) {
	return msglog.Message{}, errors.New("storage offline")
}

func TestFollower_StorageFailureStops(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: "3", FieldPayload: "x"})

	fol := NewFollower(f.client, failingAppender{}, f.registry, WithStream(testStream), WithStartID("0"), WithBlock(20*time.Millisecond))
	err := fol.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage offline")
	assert.ErrorIs(t, fol.Healthy(context.Background()), ErrNotRunning)
}

func TestFollower_RedisUnavailable(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("ERR server unavailable")

	fol := NewFollower(f.client, f.log, f.registry, WithStream(testStream), WithStartID("0"), WithBlock(20*time.Millisecond))
	err := fol.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load ingest checkpoint")
}

func TestFollower_ResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	s := session.New("11")

	first := f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: s.Name(), FieldPayload: "one"})
	fol, stop := f.run(t, WithStartID("0"))
	require.Eventually(t, func() bool { return fol.LastID() == first }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	saved, err := f.client.Get(context.Background(), testStream+":checkpoint").Result()
	require.NoError(t, err)
	assert.Equal(t, first, saved)

	// published while nothing follows the stream
	f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: s.Name(), FieldPayload: "two"})
	missed := f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: s.Name(), FieldPayload: "three"})

	fol, _ = f.run(t)
	require.Eventually(t, func() bool { return fol.LastID() == missed }, 2*time.Second, 10*time.Millisecond)

	cur, err := f.log.Scan(context.Background(), s, msglog.Unbounded(), msglog.Ascending)
	require.NoError(t, err)
	msgs, err := cur.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("one"), msgs[0].Payload)
	assert.Equal(t, []byte("three"), msgs[2].Payload)
}

func TestFollower_FailedEntryKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]any{FieldKind: KindMsg, FieldSession: "3", FieldPayload: "x"})

	fol := NewFollower(f.client, failingAppender{}, f.registry,
		WithStream(testStream), WithCheckpointKey("test:cursor"), WithStartID("0"), WithBlock(20*time.Millisecond))
	require.Error(t, fol.Run(context.Background()))

	_, err := f.client.Get(context.Background(), "test:cursor").Result()
	assert.ErrorIs(t, err, redis.Nil)
}
