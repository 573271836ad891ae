package store

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// maxLineSize bounds a single stored message line.
const maxLineSize = 16 << 20

// FileBackend stores each session's log as a JSONL file. A per-session
// offset index is built on first access so reads seek straight to the
// requested range instead of re-parsing the file.
// Storage layout:
//
//	<base>/
//	  ├── sessions.json        # session metadata index
//	  └── logs/
//	      └── <session>.jsonl  # one message per line, in id order
type FileBackend struct {
	baseDir string

	mu      sync.RWMutex
	indexes map[session.Session]*fileIndex
	closed  bool
}

var _ Backend = (*FileBackend)(nil)

// fileIndex locates every line of one session's log file.
type fileIndex struct {
	mu      sync.RWMutex
	ids     []msglog.RecordID
	offsets []int64
	lengths []int
	size    int64
}

// NewFileBackend creates a file backend rooted at baseDir. If baseDir is
// empty, ~/.inspector/data is used.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".inspector", "data")
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "logs"), 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
		indexes: make(map[session.Session]*fileIndex),
	}, nil
}

func (f *FileBackend) logPath(s session.Session) (string, error) {
	if err := validatePathComponent(s.Name()); err != nil {
		return "", fmt.Errorf("invalid session name: %w", err)
	}
	return filepath.Join(f.baseDir, "logs", s.Name()+".jsonl"), nil
}

func (f *FileBackend) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

// index returns the offset index of s. Indexes of sessions without a log
// file are only cached when create is set, so reads of unknown sessions
// leave no state behind.
func (f *FileBackend) index(s session.Session, create bool) (*fileIndex, string, error) {
	path, err := f.logPath(s)
	if err != nil {
		return nil, "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, "", ErrStorageClosed
	}
	if idx, ok := f.indexes[s]; ok {
		return idx, path, nil
	}

	idx, exists, err := buildIndex(path)
	if err != nil {
		return nil, "", err
	}
	if exists || create {
		f.indexes[s] = idx
	}
	return idx, path, nil
}

// buildIndex scans a log file once. A final line without its newline is the
// remains of an interrupted append and is cut off.
func buildIndex(path string) (*fileIndex, bool, error) {
	idx := &fileIndex{}

	file, err := os.Open(path) // #nosec G304 - session name validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return idx, false, nil
		}
		return nil, false, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	r := bufio.NewReaderSize(file, 64*1024)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				if err := os.Truncate(path, offset); err != nil {
					return nil, true, fmt.Errorf("truncate torn log tail at offset %d: %w", offset, err)
				}
			}
			break
		}
		if err != nil {
			return nil, true, fmt.Errorf("read log file: %w", err)
		}

		line = line[:len(line)-1]
		if len(line) > maxLineSize {
			return nil, true, fmt.Errorf("log line at offset %d exceeds %d bytes", offset, maxLineSize)
		}
		var head struct {
			ID msglog.RecordID `json:"id"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return nil, true, fmt.Errorf("parse log line at offset %d: %w", offset, err)
		}
		idx.ids = append(idx.ids, head.ID)
		idx.offsets = append(idx.offsets, offset)
		idx.lengths = append(idx.lengths, len(line))
		offset += int64(len(line)) + 1
	}
	idx.size = offset
	return idx, true, nil
}

// Append writes msg as one line at the end of its session's file.
func (f *FileBackend) Append(_ context.Context, msg msglog.Message) error {
	idx, path, err := f.index(msg.Session, true)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if n := len(idx.ids); n > 0 && !idx.ids[n-1].Less(msg.ID) {
		return ErrOutOfOrder
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session name validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		werr := fmt.Errorf("write message: %w", err)
		if terr := os.Truncate(path, idx.size); terr != nil {
			return errors.Join(werr, fmt.Errorf("roll back partial write: %w", terr))
		}
		return werr
	}

	idx.ids = append(idx.ids, msg.ID)
	idx.offsets = append(idx.offsets, idx.size)
	idx.lengths = append(idx.lengths, len(data))
	idx.size += int64(len(data)) + 1
	return nil
}

// Count returns the number of stored messages of s. A session whose name
// cannot be a file name has no messages.
func (f *FileBackend) Count(_ context.Context, s session.Session) (int64, error) {
	idx, _, err := f.index(s, false)
	if errors.Is(err, ErrInvalidPathComponent) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(len(idx.ids)), nil
}

// Last returns the newest stored id of s.
func (f *FileBackend) Last(_ context.Context, s session.Session) (msglog.RecordID, bool, error) {
	idx, _, err := f.index(s, false)
	if errors.Is(err, ErrInvalidPathComponent) {
		return msglog.RecordID{}, false, nil
	}
	if err != nil {
		return msglog.RecordID{}, false, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.ids) == 0 {
		return msglog.RecordID{}, false, nil
	}
	return idx.ids[len(idx.ids)-1], true, nil
}

// Read returns up to limit messages of s inside rng, reading only the lines
// that qualify.
func (f *FileBackend) Read(_ context.Context, s session.Session, rng msglog.Range, dir msglog.Direction, limit int) ([]msglog.Message, error) {
	idx, path, err := f.index(s, false)
	if errors.Is(err, ErrInvalidPathComponent) {
		return []msglog.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	lo, hi := idx.bounds(rng)
	n := clampLimit(limit, hi-lo)
	positions := make([]int, 0, n)
	for i := range n {
		if dir == msglog.Descending {
			positions = append(positions, hi-1-i)
		} else {
			positions = append(positions, lo+i)
		}
	}
	offsets := make([]int64, n)
	lengths := make([]int, n)
	for i, p := range positions {
		offsets[i], lengths[i] = idx.offsets[p], idx.lengths[p]
	}
	idx.mu.RUnlock()

	if n == 0 {
		return []msglog.Message{}, nil
	}

	file, err := os.Open(path) // #nosec G304 - session name validated to prevent traversal
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	out := make([]msglog.Message, 0, n)
	for i := range n {
		buf := make([]byte, lengths[i])
		if _, err := file.ReadAt(buf, offsets[i]); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read log line: %w", err)
		}
		var msg msglog.Message
		if err := json.Unmarshal(buf, &msg); err != nil {
			return nil, fmt.Errorf("parse log line: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// bounds returns the half-open index interval inside rng. Caller must hold
// idx.mu.
func (idx *fileIndex) bounds(rng msglog.Range) (lo, hi int) {
	lo, hi = 0, len(idx.ids)
	byID := func(a, b msglog.RecordID) int { return a.Compare(b) }
	if rng.From != nil {
		lo, _ = slices.BinarySearchFunc(idx.ids, *rng.From, byID)
	}
	if rng.To != nil {
		i, found := slices.BinarySearchFunc(idx.ids, *rng.To, byID)
		if found {
			i++
		}
		hi = i
	}
	return lo, max(lo, hi)
}

// SaveSession creates or updates session metadata.
func (f *FileBackend) SaveSession(_ context.Context, meta *session.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	index, err := f.readIndexUnlocked()
	if err != nil {
		return err
	}
	index[meta.Session.Name()] = meta

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}

	tmp := f.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	if err := os.Rename(tmp, f.indexPath()); err != nil {
		return fmt.Errorf("replace sessions index: %w", err)
	}
	return nil
}

// LoadSession returns the metadata of s.
func (f *FileBackend) LoadSession(_ context.Context, s session.Session) (*session.Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	index, err := f.readIndexUnlocked()
	if err != nil {
		return nil, err
	}
	meta, ok := index[s.Name()]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return meta, nil
}

// ListSessions returns every session in discovery order.
func (f *FileBackend) ListSessions(_ context.Context) ([]*session.Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	index, err := f.readIndexUnlocked()
	if err != nil {
		return nil, err
	}

	sessions := make([]*session.Metadata, 0, len(index))
	for _, meta := range index {
		sessions = append(sessions, meta)
	}
	slices.SortFunc(sessions, func(a, b *session.Metadata) int { return cmp.Compare(a.Order, b.Order) })
	return sessions, nil
}

// readIndexUnlocked loads sessions.json. Caller must hold f.mu.
func (f *FileBackend) readIndexUnlocked() (map[string]*session.Metadata, error) {
	index := make(map[string]*session.Metadata)

	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

// Ping checks that the base directory is still accessible.
func (f *FileBackend) Ping(_ context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStorageClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	return nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	clear(f.indexes)
	return nil
}
