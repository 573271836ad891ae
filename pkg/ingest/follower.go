// Package ingest follows the Redis stream onto which monitored programs
// publish their lifecycle events and messages, and feeds them into the
// session registry and the message log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/pkg/msglog"
	metrics "github.com/aixgo-dev/inspector/pkg/observability"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// Entry kinds and field names of the ingress stream.
const (
	KindStart = "start"
	KindStop  = "stop"
	KindMsg   = "msg"

	FieldKind    = "kind"
	FieldSession = "session"
	FieldTime    = "ts"
	FieldSource  = "src"
	FieldDest    = "dst"
	FieldPayload = "payload"
)

const (
	defaultStream = "inspector:ingest"
	defaultBlock  = 5 * time.Second
	defaultBatch  = 100
)

// ErrNotRunning is reported by Healthy while the follower is stopped.
var ErrNotRunning = errors.New("ingest follower is not running")

var errBadEntry = errors.New("malformed ingest entry")

// Appender is the write side of the message log.
type Appender interface {
	Append(ctx context.Context, msg msglog.Message) (msglog.Message, error)
}

// Follower reads the ingress stream with XREAD BLOCK. Lifecycle and message
// entries share one stream, so a session's stop is applied after every
// message published before it.
type Follower struct {
	client  *redis.Client
	log     Appender
	signals session.Signals
	logger  *slog.Logger

	stream     string
	checkpoint string
	from       string
	block      time.Duration
	batch      int64

	running atomic.Bool
	lastID  atomic.Value // string
}

// Option configures a Follower.
type Option func(*Follower)

// WithStream sets the ingress stream key.
func WithStream(key string) Option {
	return func(f *Follower) {
		f.stream = key
	}
}

// WithCheckpointKey sets the Redis key holding the id of the last applied
// entry. It defaults to the stream key with a ":checkpoint" suffix.
func WithCheckpointKey(key string) Option {
	return func(f *Follower) {
		if key != "" {
			f.checkpoint = key
		}
	}
}

// WithStartID sets the id after which reading starts when no checkpoint has
// been saved yet. "$" means entries published after Run starts; "0" reads
// the whole stream.
func WithStartID(id string) Option {
	return func(f *Follower) {
		f.from = id
	}
}

// WithBlock sets how long one XREAD waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(f *Follower) {
		f.block = d
	}
}

// WithBatch sets the maximum entries per XREAD.
func WithBatch(n int64) Option {
	return func(f *Follower) {
		f.batch = n
	}
}

// WithLogger sets the follower logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Follower) {
		f.logger = logger
	}
}

// NewFollower creates a follower appending to log and signalling lifecycle
// events to signals.
func NewFollower(client *redis.Client, log Appender, signals session.Signals, opts ...Option) *Follower {
	f := &Follower{
		client:  client,
		log:     log,
		signals: signals,
		stream:  defaultStream,
		from:    "$",
		block:   defaultBlock,
		batch:   defaultBatch,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.checkpoint == "" {
		f.checkpoint = f.stream + ":checkpoint"
	}
	if f.logger == nil {
		f.logger = observability.Logger()
	}
	f.logger = f.logger.With("component", "ingest", "stream", f.stream)
	return f
}

// LastID returns the id of the last entry processed.
func (f *Follower) LastID() string {
	id, _ := f.lastID.Load().(string)
	return id
}

// Healthy reports whether Run is active.
func (f *Follower) Healthy(context.Context) error {
	if !f.running.Load() {
		return ErrNotRunning
	}
	return nil
}

// Run follows the stream until ctx ends, resuming after the saved checkpoint
// if there is one. It returns nil on cancellation and the wrapped error when
// Redis or the log fails.
func (f *Follower) Run(ctx context.Context) error {
	f.running.Store(true)
	defer f.running.Store(false)

	last, err := f.resolveStart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	f.logger.Info("ingest started", "from", last)

	for {
		streams, err := f.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{f.stream, last},
			Count:   f.batch,
			Block:   f.block,
		}).Result()
		if ctx.Err() != nil {
			f.logger.Info("ingest stopped", "last_id", last)
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read ingest stream %s: %w", f.stream, err)
		}

		for _, st := range streams {
			for _, entry := range st.Messages {
				if err := f.handle(ctx, entry); err != nil {
					return err
				}
				if err := f.client.Set(ctx, f.checkpoint, entry.ID, 0).Err(); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("save ingest checkpoint %s: %w", entry.ID, err)
				}
				last = entry.ID
				f.lastID.Store(last)
			}
		}
	}
}

// resolveStart picks the saved checkpoint, else the configured start id.
// "$" is turned into a concrete id so entries published between two reads
// are not skipped.
func (f *Follower) resolveStart(ctx context.Context) (string, error) {
	saved, err := f.client.Get(ctx, f.checkpoint).Result()
	switch {
	case err == nil && saved != "":
		return saved, nil
	case err != nil && !errors.Is(err, redis.Nil):
		return "", fmt.Errorf("load ingest checkpoint: %w", err)
	}

	if f.from != "$" {
		return f.from, nil
	}
	entries, err := f.client.XRevRangeN(ctx, f.stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("resolve ingest start: %w", err)
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

// handle applies one entry. Malformed entries and messages for completed
// sessions are logged and skipped; storage and registry failures stop the
// follower.
func (f *Follower) handle(ctx context.Context, entry redis.XMessage) error {
	kind, s, at, err := decodeHeader(entry)
	if err != nil {
		metrics.RecordIngestEntry("invalid")
		f.logger.Warn("skipping ingest entry", "id", entry.ID, "error", err)
		return nil
	}

	switch kind {
	case KindStart:
		err = f.signals.OnSessionStart(ctx, s, at)
	case KindStop:
		err = f.signals.OnSessionStop(ctx, s, at)
	case KindMsg:
		_, err = f.log.Append(ctx, msglog.Message{
			Session:     s,
			Source:      field(entry, FieldSource),
			Destination: field(entry, FieldDest),
			Payload:     []byte(field(entry, FieldPayload)),
		})
		if errors.Is(err, msglog.ErrSessionCompleted) {
			metrics.RecordIngestEntry("dropped")
			f.logger.Warn("message after session stop", "id", entry.ID, "session", s.Name())
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("apply ingest entry %s: %w", entry.ID, err)
	}
	metrics.RecordIngestEntry(kind)
	return nil
}

func decodeHeader(entry redis.XMessage) (kind string, s session.Session, at time.Time, err error) {
	kind = field(entry, FieldKind)
	switch kind {
	case KindStart, KindStop, KindMsg:
	default:
		return "", s, at, fmt.Errorf("%w: unknown kind %q", errBadEntry, kind)
	}

	name := field(entry, FieldSession)
	if name == "" {
		return "", s, at, fmt.Errorf("%w: missing session", errBadEntry)
	}

	at = time.Now()
	if ts := field(entry, FieldTime); ts != "" {
		ms, perr := strconv.ParseInt(ts, 10, 64)
		if perr != nil {
			return "", s, at, fmt.Errorf("%w: bad ts %q", errBadEntry, ts)
		}
		at = time.UnixMilli(ms)
	}
	return kind, session.New(name), at, nil
}

func field(entry redis.XMessage, key string) string {
	v, _ := entry.Values[key].(string)
	return v
}
