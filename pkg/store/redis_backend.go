package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// Stream entry fields.
const (
	fieldSource      = "src"
	fieldDestination = "dst"
	fieldPayload     = "payload"
	fieldMetadata    = "meta"
)

// RedisBackend stores each session's log as a Redis stream whose entry ids
// are the messages' RecordIDs, so XRANGE/XREVRANGE serve range scans
// directly. Session metadata is kept as JSON strings plus a sorted-set
// index scored by discovery order.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*RedisBackend)(nil)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "inspector:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "inspector:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

// Client returns the underlying client, shared with the ingest follower.
func (b *RedisBackend) Client() *redis.Client { return b.client }

// Key helpers
func (b *RedisBackend) logKey(s session.Session) string {
	return b.prefix + "log:" + s.Name()
}

func (b *RedisBackend) metaKey(s session.Session) string {
	return b.prefix + "meta:" + s.Name()
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "sessions"
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Append adds msg to its session's stream with its RecordID as entry id.
func (b *RedisBackend) Append(ctx context.Context, msg msglog.Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	values := map[string]any{
		fieldSource:      msg.Source,
		fieldDestination: msg.Destination,
		fieldPayload:     msg.Payload,
	}
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		values[fieldMetadata] = data
	}

	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.logKey(msg.Session),
		ID:     msg.ID.String(),
		Values: values,
	}).Err()
	if err != nil {
		if strings.Contains(err.Error(), "equal or smaller") {
			return fmt.Errorf("%w: %s", ErrOutOfOrder, msg.ID)
		}
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Count returns the stream length of s.
func (b *RedisBackend) Count(ctx context.Context, s session.Session) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n, err := b.client.XLen(ctx, b.logKey(s)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

// Last returns the id of the newest entry of s.
func (b *RedisBackend) Last(ctx context.Context, s session.Session) (msglog.RecordID, bool, error) {
	if err := b.checkOpen(); err != nil {
		return msglog.RecordID{}, false, err
	}
	entries, err := b.client.XRevRangeN(ctx, b.logKey(s), "+", "-", 1).Result()
	if err != nil {
		return msglog.RecordID{}, false, fmt.Errorf("xrevrange: %w", err)
	}
	if len(entries) == 0 {
		return msglog.RecordID{}, false, nil
	}
	id, err := msglog.ParseRecordID(entries[0].ID)
	if err != nil {
		return msglog.RecordID{}, false, err
	}
	return id, true, nil
}

// Read returns up to limit entries of s inside rng.
func (b *RedisBackend) Read(ctx context.Context, s session.Session, rng msglog.Range, dir msglog.Direction, limit int) ([]msglog.Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if rng.From != nil && rng.To != nil && rng.To.Less(*rng.From) {
		return []msglog.Message{}, nil
	}

	start, stop := "-", "+"
	if rng.From != nil {
		start = rng.From.String()
	}
	if rng.To != nil {
		stop = rng.To.String()
	}

	key := b.logKey(s)
	var cmd *redis.XMessageSliceCmd
	switch {
	case dir == msglog.Descending && limit > 0:
		cmd = b.client.XRevRangeN(ctx, key, stop, start, int64(limit))
	case dir == msglog.Descending:
		cmd = b.client.XRevRange(ctx, key, stop, start)
	case limit > 0:
		cmd = b.client.XRangeN(ctx, key, start, stop, int64(limit))
	default:
		cmd = b.client.XRange(ctx, key, start, stop)
	}

	entries, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	out := make([]msglog.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeEntry(s, e)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeEntry(s session.Session, e redis.XMessage) (msglog.Message, error) {
	id, err := msglog.ParseRecordID(e.ID)
	if err != nil {
		return msglog.Message{}, err
	}
	msg := msglog.Message{
		Session:     s,
		ID:          id,
		Source:      stringField(e.Values, fieldSource),
		Destination: stringField(e.Values, fieldDestination),
	}
	if p, ok := e.Values[fieldPayload].(string); ok && p != "" {
		msg.Payload = []byte(p)
	}
	if raw := stringField(e.Values, fieldMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Metadata); err != nil {
			return msglog.Message{}, fmt.Errorf("unmarshal metadata of %s: %w", e.ID, err)
		}
	}
	return msg, nil
}

func stringField(values map[string]any, key string) string {
	v, _ := values[key].(string)
	return v
}

// SaveSession creates or updates session metadata.
func (b *RedisBackend) SaveSession(ctx context.Context, meta *session.Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.metaKey(meta.Session), data, 0)
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(meta.Order), Member: meta.Session.Name()})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the metadata of s.
func (b *RedisBackend) LoadSession(ctx context.Context, s session.Session) (*session.Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.metaKey(s)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta session.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// ListSessions returns every session in discovery order.
func (b *RedisBackend) ListSessions(ctx context.Context) ([]*session.Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	names, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*session.Metadata, 0, len(names))
	for _, name := range names {
		meta, err := b.LoadSession(ctx, session.New(name))
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, meta)
	}
	return sessions, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
