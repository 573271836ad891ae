package session

import (
	"cmp"
	"strconv"
	"strings"
)

// Session identifies one monitored run by name. It is an immutable value;
// two sessions are equal exactly when their names are equal, so it can be
// used directly as a map key.
type Session struct {
	name string
}

// New returns the session with the given name.
func New(name string) Session {
	return Session{name: name}
}

// Name returns the session name.
func (s Session) Name() string { return s.name }

// String returns the session name.
func (s Session) String() string { return s.name }

// IsZero reports whether s has an empty name.
func (s Session) IsZero() bool { return s.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (s Session) MarshalText() ([]byte, error) {
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Session) UnmarshalText(b []byte) error {
	s.name = string(b)
	return nil
}

// Compare orders sessions for display. Names that parse as integers (the
// usual epoch-millis names) compare numerically and sort before every
// non-numeric name; two non-numeric names compare lexically.
func Compare(a, b Session) int {
	an, aok := numeric(a.name)
	bn, bok := numeric(b.name)
	switch {
	case aok && bok:
		if c := cmp.Compare(an, bn); c != 0 {
			return c
		}
		// "007" and "7" parse equal; keep the order total.
		return strings.Compare(a.name, b.name)
	case aok:
		return -1
	case bok:
		return 1
	default:
		return strings.Compare(a.name, b.name)
	}
}

// Compare is shorthand for Compare(s, o).
func (s Session) Compare(o Session) int { return Compare(s, o) }

func numeric(name string) (int64, bool) {
	n, err := strconv.ParseInt(name, 10, 64)
	return n, err == nil
}
