// Package store provides the storage backends behind the message log and
// the session registry: in-memory, JSONL files, and Redis Streams.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
)

var (
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrOutOfOrder is returned when an appended id is not greater than the
	// session's last stored id.
	ErrOutOfOrder = errors.New("record id is not greater than the last stored id")
	// ErrInvalidPathComponent is returned when a session name cannot be used
	// as a file name.
	ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")
)

// Backend stores both messages and session metadata.
type Backend interface {
	msglog.Backend
	session.Store

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Type is "memory", "file" or "redis".
	Type string
	// Dir is the file backend's base directory.
	Dir string
	// Redis configures the redis backend.
	Redis RedisConfig
}

// Open creates the backend selected by cfg.Type.
func Open(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.Dir)
	case "redis":
		return NewRedisBackend(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// validatePathComponent checks that a string is safe to use as a path component.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if s == "." || strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// clampLimit turns a non-positive limit into "no limit".
func clampLimit(limit, available int) int {
	if limit <= 0 || limit > available {
		return available
	}
	return limit
}

// pingTimeout bounds connection checks at construction.
const pingTimeout = 5 * time.Second
