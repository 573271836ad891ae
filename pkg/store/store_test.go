package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	file, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	_, redisBackend := setupMiniredis(t)

	all := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"redis":  redisBackend,
	}
	t.Cleanup(func() {
		for _, b := range all {
			_ = b.Close()
		}
	})
	return all
}

func msg(s string, ts, seq int64, payload string) msglog.Message {
	return msglog.Message{
		Session:     session.New(s),
		ID:          msglog.NewRecordID(ts, seq),
		Source:      "producer.out",
		Destination: "consumer.in",
		Payload:     []byte(payload),
	}
}

func ids(msgs []msglog.Message) []msglog.RecordID {
	out := make([]msglog.RecordID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func id(ts, seq int64) msglog.RecordID { return msglog.NewRecordID(ts, seq) }

func TestBackend_AppendCountLast(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := session.New("7")

			n, err := b.Count(ctx, s)
			require.NoError(t, err)
			assert.Zero(t, n)
			_, ok, err := b.Last(ctx, s)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Append(ctx, msg("7", 100, 0, "a")))
			require.NoError(t, b.Append(ctx, msg("7", 100, 1, "b")))
			require.NoError(t, b.Append(ctx, msg("7", 150, 0, "c")))

			n, err = b.Count(ctx, s)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			last, ok, err := b.Last(ctx, s)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, id(150, 0), last)

			err = b.Append(ctx, msg("7", 150, 0, "dup"))
			assert.ErrorIs(t, err, ErrOutOfOrder)
			err = b.Append(ctx, msg("7", 120, 0, "older"))
			assert.ErrorIs(t, err, ErrOutOfOrder)
		})
	}
}

func TestBackend_UnstorableNamesReadEmpty(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, s := range []session.Session{session.New("a/b"), session.New(".."), session.New(`a\b`)} {
				n, err := b.Count(ctx, s)
				require.NoError(t, err, s.Name())
				assert.Zero(t, n)

				_, ok, err := b.Last(ctx, s)
				require.NoError(t, err, s.Name())
				assert.False(t, ok)

				got, err := b.Read(ctx, s, msglog.Unbounded(), msglog.Descending, 0)
				require.NoError(t, err, s.Name())
				assert.Empty(t, got)
			}
		})
	}
}

func TestFileBackend_RejectsUnstorableNames(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	err = b.Append(context.Background(), msg("../escape", 100, 0, "x"))
	assert.ErrorIs(t, err, ErrInvalidPathComponent)
}

func TestFileBackend_RecoversTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := session.New("s")

	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, b.Append(ctx, msg("s", 100, 0, "a")))
	require.NoError(t, b.Append(ctx, msg("s", 101, 0, "b")))
	require.NoError(t, b.Close())

	path := filepath.Join(dir, "logs", "s.jsonl")
	clean, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"session":"s","id":"102-0","payl`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b, err = NewFileBackend(dir)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	n, err := b.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := b.Read(ctx, s, msglog.Unbounded(), msglog.Ascending, 0)
	require.NoError(t, err)
	assert.Equal(t, []msglog.RecordID{id(100, 0), id(101, 0)}, ids(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, clean.Size(), info.Size(), "torn bytes are cut off")

	require.NoError(t, b.Append(ctx, msg("s", 102, 0, "c")))
	got, err = b.Read(ctx, s, msglog.Unbounded(), msglog.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("c"), got[2].Payload)

	reopened, err := NewFileBackend(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	last, ok, err := reopened.Last(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id(102, 0), last)
}

func TestFileBackend_ReadsLeaveNoIndex(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	for i := range 50 {
		_, err := b.Count(ctx, session.New(fmt.Sprintf("ghost-%d", i)))
		require.NoError(t, err)
	}
	b.mu.RLock()
	assert.Empty(t, b.indexes)
	b.mu.RUnlock()

	require.NoError(t, b.Append(ctx, msg("real", 100, 0, "x")))
	b.mu.RLock()
	assert.Len(t, b.indexes, 1)
	b.mu.RUnlock()
}

func TestBackend_Read(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := session.New("alpha")
			for _, m := range []msglog.Message{
				msg("alpha", 100, 0, "a"),
				msg("alpha", 100, 1, "b"),
				msg("alpha", 150, 0, "c"),
				msg("alpha", 200, 0, "d"),
			} {
				require.NoError(t, b.Append(ctx, m))
			}
			require.NoError(t, b.Append(ctx, msg("other", 120, 0, "x")))

			from, to := id(100, 1), id(150, 0)
			tests := []struct {
				name  string
				rng   msglog.Range
				dir   msglog.Direction
				limit int
				want  []msglog.RecordID
			}{
				{"all ascending", msglog.Unbounded(), msglog.Ascending, 0, []msglog.RecordID{id(100, 0), id(100, 1), id(150, 0), id(200, 0)}},
				{"all descending", msglog.Unbounded(), msglog.Descending, 0, []msglog.RecordID{id(200, 0), id(150, 0), id(100, 1), id(100, 0)}},
				{"inclusive bounds", msglog.Range{From: &from, To: &to}, msglog.Ascending, 0, []msglog.RecordID{id(100, 1), id(150, 0)}},
				{"inclusive bounds descending", msglog.Range{From: &from, To: &to}, msglog.Descending, 0, []msglog.RecordID{id(150, 0), id(100, 1)}},
				{"limit ascending", msglog.Unbounded(), msglog.Ascending, 2, []msglog.RecordID{id(100, 0), id(100, 1)}},
				{"limit descending", msglog.Unbounded(), msglog.Descending, 2, []msglog.RecordID{id(200, 0), id(150, 0)}},
				{"bounds between ids", msglog.Between(id(101, 0), id(199, 0)), msglog.Ascending, 0, []msglog.RecordID{id(150, 0)}},
				{"since", msglog.Since(id(150, 0)), msglog.Ascending, 0, []msglog.RecordID{id(150, 0), id(200, 0)}},
				{"until", msglog.Until(id(100, 1)), msglog.Descending, 0, []msglog.RecordID{id(100, 1), id(100, 0)}},
				{"inverted is empty", msglog.Range{From: &to, To: &from}, msglog.Ascending, 0, []msglog.RecordID{}},
				{"past the end", msglog.Since(id(300, 0)), msglog.Ascending, 0, []msglog.RecordID{}},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := b.Read(ctx, s, tt.rng, tt.dir, tt.limit)
					require.NoError(t, err)
					assert.Equal(t, tt.want, ids(got))
				})
			}

			got, err := b.Read(ctx, s, msglog.Between(id(150, 0), id(150, 0)), msglog.Ascending, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, s, got[0].Session)
			assert.Equal(t, "producer.out", got[0].Source)
			assert.Equal(t, "consumer.in", got[0].Destination)
			assert.Equal(t, []byte("c"), got[0].Payload)

			unknown, err := b.Read(ctx, session.New("ghost"), msglog.Unbounded(), msglog.Ascending, 0)
			require.NoError(t, err)
			assert.Empty(t, unknown)
		})
	}
}

func TestBackend_Metadata(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := msg("meta", 100, 0, "x")
			m.Metadata = map[string]string{"injected": "true", "injection_id": "abc"}
			require.NoError(t, b.Append(ctx, m))

			got, err := b.Read(ctx, m.Session, msglog.Unbounded(), msglog.Ascending, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, m.Metadata, got[0].Metadata)
		})
	}
}

func TestBackend_Sessions(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.UnixMilli(1700000000000).UTC()

			_, err := b.LoadSession(ctx, session.New("missing"))
			assert.ErrorIs(t, err, session.ErrSessionNotFound)

			for i, n := range []string{"beta", "10", "alpha"} {
				require.NoError(t, b.SaveSession(ctx, &session.Metadata{
					Session:   session.New(n),
					Status:    session.StatusRunning,
					StartTime: start,
					Order:     int64(i),
				}))
			}
			require.NoError(t, b.SaveSession(ctx, &session.Metadata{
				Session:   session.New("10"),
				Status:    session.StatusCompleted,
				StartTime: start,
				StopTime:  start.Add(time.Minute),
				Order:     1,
			}))

			meta, err := b.LoadSession(ctx, session.New("10"))
			require.NoError(t, err)
			assert.Equal(t, session.StatusCompleted, meta.Status)
			assert.True(t, meta.StopTime.Equal(start.Add(time.Minute)))

			list, err := b.ListSessions(ctx)
			require.NoError(t, err)
			var names []string
			for _, m := range list {
				names = append(names, m.Session.Name())
			}
			assert.Equal(t, []string{"beta", "10", "alpha"}, names)
		})
	}
}

func TestBackend_Closed(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Ping(ctx))
			require.NoError(t, b.Close())

			assert.ErrorIs(t, b.Append(ctx, msg("7", 1, 0, "x")), ErrStorageClosed)
			assert.ErrorIs(t, b.Ping(ctx), ErrStorageClosed)
			_, err := b.ListSessions(ctx)
			assert.ErrorIs(t, err, ErrStorageClosed)
		})
	}
}

func TestOpen(t *testing.T) {
	b, err := Open(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = Open(Config{Type: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	mr := miniredis.RunT(t)
	b, err = Open(Config{Type: "redis", Redis: RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisBackend{}, b)
	require.NoError(t, b.Close())

	_, err = Open(Config{Type: "cassandra"})
	assert.Error(t, err)
}

func TestValidatePathComponent(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"7", false},
		{"session-1700000000000", false},
		{"", true},
		{".", true},
		{"..", true},
		{"a/b", true},
		{`a\b`, true},
		{"../etc", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := validatePathComponent(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:")

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}
