// Package msglog is the append-only, per-session message log. It assigns
// every message a RecordID, serves snapshot range scans, and hands off from
// history to live delivery without gaps or duplicates.
package msglog

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RecordID is the position of a message in its session's log: wall-clock
// milliseconds, tie-broken by a per-millisecond sequence. Its string form is
// the Redis stream entry id "<ms>-<seq>".
type RecordID struct {
	Timestamp int64
	Sequence  int64
}

// NewRecordID returns the id with the given timestamp and sequence.
func NewRecordID(timestampMillis, sequence int64) RecordID {
	return RecordID{Timestamp: timestampMillis, Sequence: sequence}
}

// IDOf returns the id stamped on m.
func IDOf(m Message) RecordID {
	return m.ID
}

// Compare orders ids by timestamp, then sequence. It is the only ordering
// used for range bounds and delivery.
func (id RecordID) Compare(o RecordID) int {
	if c := cmp.Compare(id.Timestamp, o.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(id.Sequence, o.Sequence)
}

// Less reports whether id sorts before o.
func (id RecordID) Less(o RecordID) bool { return id.Compare(o) < 0 }

// Next returns the smallest id greater than id.
func (id RecordID) Next() RecordID {
	if id.Sequence == math.MaxInt64 {
		return RecordID{Timestamp: id.Timestamp + 1}
	}
	return RecordID{Timestamp: id.Timestamp, Sequence: id.Sequence + 1}
}

// Prev returns the largest id smaller than id. ok is false for the zero id.
func (id RecordID) Prev() (prev RecordID, ok bool) {
	switch {
	case id.Sequence > 0:
		return RecordID{Timestamp: id.Timestamp, Sequence: id.Sequence - 1}, true
	case id.Timestamp > 0:
		return RecordID{Timestamp: id.Timestamp - 1, Sequence: math.MaxInt64}, true
	default:
		return RecordID{}, false
	}
}

// String returns "<ms>-<seq>".
func (id RecordID) String() string {
	return strconv.FormatInt(id.Timestamp, 10) + "-" + strconv.FormatInt(id.Sequence, 10)
}

// ParseRecordID parses "<ms>-<seq>". A bare "<ms>" means sequence 0.
func ParseRecordID(s string) (RecordID, error) {
	ms, seq, found := strings.Cut(s, "-")
	ts, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || ts < 0 {
		return RecordID{}, fmt.Errorf("invalid record id %q", s)
	}
	if !found {
		return RecordID{Timestamp: ts}, nil
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 0 {
		return RecordID{}, fmt.Errorf("invalid record id %q", s)
	}
	return RecordID{Timestamp: ts, Sequence: n}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id RecordID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RecordID) UnmarshalText(b []byte) error {
	parsed, err := ParseRecordID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
