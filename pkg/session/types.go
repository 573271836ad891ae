// Package session tracks the monitored program runs ("sessions") known to the
// inspector and their lifecycle. A session is discovered when its process
// start is signalled or when its first message arrives, and it completes
// exactly once.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status int

const (
	// StatusRunning is the state of a discovered session that has not stopped.
	StatusRunning Status = iota + 1
	// StatusCompleted is terminal; a completed session never runs again.
	StatusCompleted
)

// String returns the upper-case status name.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusRunning, StatusCompleted:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid session status %d", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus parses the output of Status.String.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "RUNNING":
		return StatusRunning, nil
	case "COMPLETED":
		return StatusCompleted, nil
	default:
		return 0, fmt.Errorf("unknown session status %q", v)
	}
}

// Metadata is the persisted lifecycle record of one session.
type Metadata struct {
	// Session identifies the run.
	Session Session `json:"session"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// StartTime is when the session was discovered.
	StartTime time.Time `json:"startTime"`
	// StopTime is when the session completed; zero while running.
	StopTime time.Time `json:"stopTime"`
	// Order is the discovery position, used to list sessions in the order
	// they were first seen.
	Order int64 `json:"order"`
}

// Update is one lifecycle transition published on a status feed.
type Update struct {
	Session Session
	Status  Status
	At      time.Time
}
