package msglog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/inspector/pkg/session"
)

var (
	// ErrInvalidRange is returned when a range's right bound is not strictly
	// greater than its left bound. It is reported before any delivery.
	ErrInvalidRange = errors.New("invalid range: right bound must be greater than left bound")
	// ErrSessionCompleted is returned when appending to a completed session.
	ErrSessionCompleted = errors.New("session completed")
	// ErrSubscriberOverflow ends a subscription whose backlog exceeded its limit.
	ErrSubscriberOverflow = errors.New("subscriber backlog limit exceeded")
)

// Message is one recorded communication event of a monitored program.
// Messages are immutable once appended; Payload and Metadata are shared
// between readers and must not be modified.
type Message struct {
	// Session owns the message.
	Session session.Session `json:"session"`
	// ID is assigned by the log on append.
	ID RecordID `json:"id"`
	// Source identifies the sending port or channel.
	Source string `json:"source,omitempty"`
	// Destination identifies the receiving port or channel.
	Destination string `json:"destination,omitempty"`
	// Payload is opaque to the log.
	Payload []byte `json:"payload,omitempty"`
	// Metadata holds optional annotations such as injection markers.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Direction is the order of a scan.
type Direction int

const (
	// Ascending delivers oldest first.
	Ascending Direction = iota
	// Descending delivers newest first.
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// Range bounds a session's messages by RecordID. Both bounds are inclusive;
// a nil From starts at the first message ever recorded, and a nil To is
// resolved by the operation (snapshot of the current tail, or open-ended).
type Range struct {
	From *RecordID
	To   *RecordID
}

// Unbounded returns the range covering every message.
func Unbounded() Range { return Range{} }

// Between returns the closed range [from, to].
func Between(from, to RecordID) Range { return Range{From: &from, To: &to} }

// Since returns the range starting at from with no right bound.
func Since(from RecordID) Range { return Range{From: &from} }

// Until returns the range from the first message up to to.
func Until(to RecordID) Range { return Range{To: &to} }

// Validate returns ErrInvalidRange when both bounds are set and To is not
// strictly greater than From.
func (r Range) Validate() error {
	if r.From != nil && r.To != nil && r.To.Compare(*r.From) <= 0 {
		return fmt.Errorf("%w: [%s, %s]", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id RecordID) bool {
	if r.From != nil && id.Less(*r.From) {
		return false
	}
	if r.To != nil && r.To.Less(id) {
		return false
	}
	return true
}

func (r Range) String() string {
	bound := func(id *RecordID, open string) string {
		if id == nil {
			return open
		}
		return id.String()
	}
	return "[" + bound(r.From, "-") + ", " + bound(r.To, "+") + "]"
}

// Backend is the durable storage behind a Log. The Log assigns ids and
// serializes appends per session; a backend only has to store and read.
// Implementations must be safe for concurrent use and must make an append
// visible to reads in the same process as soon as Append returns.
type Backend interface {
	// Append stores msg, whose ID is already assigned and greater than every
	// stored id of the session.
	Append(ctx context.Context, msg Message) error

	// Count returns the number of stored messages of s (0 if unknown).
	Count(ctx context.Context, s session.Session) (int64, error)

	// Last returns the greatest stored id of s; ok is false if none.
	Last(ctx context.Context, s session.Session) (id RecordID, ok bool, err error)

	// Read returns up to limit messages of s inside rng (both bounds
	// inclusive, nil meaning open) in the given direction. An empty or
	// inverted range yields no messages.
	Read(ctx context.Context, s session.Session, rng Range, dir Direction, limit int) ([]Message, error)
}

// Discoverer is told about every session that receives a message.
type Discoverer interface {
	Observe(ctx context.Context, s session.Session, at time.Time) error
}
