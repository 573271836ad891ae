package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// MemoryBackend keeps everything in process memory. It is the default
// backend and the one used by tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	logs     map[session.Session][]msglog.Message
	sessions map[session.Session]session.Metadata
	closed   bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		logs:     make(map[session.Session][]msglog.Message),
		sessions: make(map[session.Session]session.Metadata),
	}
}

// Append stores msg at the end of its session's log.
func (m *MemoryBackend) Append(_ context.Context, msg msglog.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	log := m.logs[msg.Session]
	if n := len(log); n > 0 && !log[n-1].ID.Less(msg.ID) {
		return ErrOutOfOrder
	}
	m.logs[msg.Session] = append(log, msg)
	return nil
}

// Count returns the number of stored messages of s.
func (m *MemoryBackend) Count(_ context.Context, s session.Session) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.logs[s])), nil
}

// Last returns the newest stored id of s.
func (m *MemoryBackend) Last(_ context.Context, s session.Session) (msglog.RecordID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return msglog.RecordID{}, false, ErrStorageClosed
	}
	log := m.logs[s]
	if len(log) == 0 {
		return msglog.RecordID{}, false, nil
	}
	return log[len(log)-1].ID, true, nil
}

// Read returns up to limit messages of s inside rng.
func (m *MemoryBackend) Read(_ context.Context, s session.Session, rng msglog.Range, dir msglog.Direction, limit int) ([]msglog.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	lo, hi := bounds(m.logs[s], rng)
	return pick(m.logs[s], lo, hi, dir, limit), nil
}

// bounds returns the half-open index interval of log inside rng.
func bounds(log []msglog.Message, rng msglog.Range) (lo, hi int) {
	lo, hi = 0, len(log)
	byID := func(m msglog.Message, id msglog.RecordID) int { return m.ID.Compare(id) }
	if rng.From != nil {
		lo, _ = slices.BinarySearchFunc(log, *rng.From, byID)
	}
	if rng.To != nil {
		i, found := slices.BinarySearchFunc(log, *rng.To, byID)
		if found {
			i++
		}
		hi = i
	}
	return lo, max(lo, hi)
}

func pick(log []msglog.Message, lo, hi int, dir msglog.Direction, limit int) []msglog.Message {
	n := clampLimit(limit, hi-lo)
	out := make([]msglog.Message, 0, n)
	if dir == msglog.Descending {
		for i := hi - 1; i >= hi-n; i-- {
			out = append(out, log[i])
		}
		return out
	}
	return append(out, log[lo:lo+n]...)
}

// SaveSession creates or updates session metadata.
func (m *MemoryBackend) SaveSession(_ context.Context, meta *session.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.sessions[meta.Session] = *meta
	return nil
}

// LoadSession returns the metadata of s.
func (m *MemoryBackend) LoadSession(_ context.Context, s session.Session) (*session.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	meta, ok := m.sessions[s]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return &meta, nil
}

// ListSessions returns every session in discovery order.
func (m *MemoryBackend) ListSessions(_ context.Context) ([]*session.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*session.Metadata, 0, len(m.sessions))
	for _, meta := range m.sessions {
		out = append(out, &meta)
	}
	slices.SortFunc(out, func(a, b *session.Metadata) int { return cmp.Compare(a.Order, b.Order) })
	return out, nil
}

// Ping reports whether the backend is open.
func (m *MemoryBackend) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
