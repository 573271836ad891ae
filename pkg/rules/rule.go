// Package rules evaluates predicates over a session's ordered message feed
// and exposes the derived state as observable values.
package rules

import (
	"bytes"
	"fmt"

	"github.com/aixgo-dev/inspector/pkg/msglog"
)

// Rule is a named predicate over messages. Rules are identified by name;
// two rules with the same name are the same rule.
type Rule interface {
	Name() string
	Match(msg msglog.Message) (bool, error)
}

type funcRule struct {
	name string
	fn   func(msglog.Message) (bool, error)
}

func (r funcRule) Name() string                           { return r.name }
func (r funcRule) Match(msg msglog.Message) (bool, error) { return r.fn(msg) }

// NewRule builds a Rule from a match function.
func NewRule(name string, fn func(msglog.Message) (bool, error)) Rule {
	return funcRule{name: name, fn: fn}
}

// PayloadContains matches messages whose payload contains sub.
func PayloadContains(name string, sub []byte) Rule {
	return NewRule(name, func(m msglog.Message) (bool, error) {
		return bytes.Contains(m.Payload, sub), nil
	})
}

// Between matches messages sent from src to dst. An empty side matches any
// channel endpoint.
func Between(name, src, dst string) Rule {
	return NewRule(name, func(m msglog.Message) (bool, error) {
		return (src == "" || m.Source == src) && (dst == "" || m.Destination == dst), nil
	})
}

// Status is the state of one rule evaluation.
type Status int

const (
	// StatusRunning means the rule has neither matched nor been settled.
	StatusRunning Status = iota
	// StatusMatched means at least one message matched.
	StatusMatched
	// StatusUnmatched means the session completed without a match.
	StatusUnmatched
	// StatusError means evaluation stopped on a rule or storage error.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusMatched:
		return "MATCHED"
	case StatusUnmatched:
		return "UNMATCHED"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
