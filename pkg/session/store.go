package session

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by a Store when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// Store abstracts lifecycle persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, meta *Metadata) error

	// LoadSession retrieves session metadata.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, s Session) (*Metadata, error)

	// ListSessions returns every stored session ordered by Metadata.Order.
	ListSessions(ctx context.Context) ([]*Metadata, error)
}

// Signals receives process lifecycle events for monitored programs from
// whatever mechanism observes them.
type Signals interface {
	// OnSessionStart reports that the session's program started at the given time.
	OnSessionStart(ctx context.Context, s Session, at time.Time) error

	// OnSessionStop reports that the session's program terminated at the given time.
	OnSessionStop(ctx context.Context, s Session, at time.Time) error
}
