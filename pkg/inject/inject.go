// Package inject writes operator-supplied synthetic messages into running
// sessions.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/pkg/msglog"
	metrics "github.com/aixgo-dev/inspector/pkg/observability"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// Metadata keys stamped on injected messages.
const (
	MetaInjectionID = "injection_id"
	MetaInjected    = "injected"
)

// Injection describes a synthetic message to insert into a session's
// event stream.
type Injection struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Payload     []byte `json:"payload"`
}

// StatusSource reports the lifecycle status of sessions.
type StatusSource interface {
	StatusOf(s session.Session) (session.Status, bool)
}

// Injector appends injections to RUNNING sessions. Injections against
// unknown or completed sessions have no effect.
type Injector struct {
	log    *msglog.Log
	status StatusSource
	logger *slog.Logger

	ratePerSecond float64
	burst         int

	mu       sync.Mutex
	limiters map[session.Session]*rate.Limiter
}

// Option configures an Injector.
type Option func(*Injector)

// WithRateLimit limits injections per session. A non-positive rate disables
// limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(i *Injector) {
		i.ratePerSecond = perSecond
		i.burst = max(burst, 1)
	}
}

// WithLogger sets the injector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Injector) {
		i.logger = logger
	}
}

// New creates an injector writing to log and gated on status.
func New(log *msglog.Log, status StatusSource, opts ...Option) *Injector {
	i := &Injector{
		log:      log,
		status:   status,
		limiters: make(map[session.Session]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = observability.Logger()
	}
	i.logger = i.logger.With("component", "injector")
	return i
}

// Inject appends inj to s if s is RUNNING. It returns an error only when
// ctx ends while waiting for the rate limiter or the append fails in
// storage.
func (i *Injector) Inject(ctx context.Context, s session.Session, inj Injection) error {
	ctx, span := observability.StartSpan(ctx, "inject", map[string]any{
		"session":     s.Name(),
		"source":      inj.Source,
		"destination": inj.Destination,
	})
	defer span.End()

	if st, ok := i.status.StatusOf(s); !ok || st != session.StatusRunning {
		i.ignored(span, s, "not running")
		return nil
	}

	if lim := i.limiter(s); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			span.SetError(err)
			metrics.RecordInjection("failed")
			return fmt.Errorf("inject rate limit: %w", err)
		}
	}

	id := uuid.New().String()
	msg, err := i.log.Append(ctx, msglog.Message{
		Session:     s,
		Source:      inj.Source,
		Destination: inj.Destination,
		Payload:     inj.Payload,
		Metadata: map[string]string{
			MetaInjectionID: id,
			MetaInjected:    "true",
		},
	})
	if errors.Is(err, msglog.ErrSessionCompleted) {
		i.ignored(span, s, "completed while injecting")
		return nil
	}
	if err != nil {
		span.SetError(err)
		metrics.RecordInjection("failed")
		return fmt.Errorf("inject into %s: %w", s, err)
	}

	span.SetAttribute("injection_id", id)
	span.SetAttribute("record_id", msg.ID.String())
	metrics.RecordInjection("injected")
	i.logger.Debug("message injected", "session", s.Name(), "id", msg.ID.String(), "injection_id", id)
	return nil
}

func (i *Injector) ignored(span *observability.Span, s session.Session, reason string) {
	span.SetAttribute("ignored", reason)
	metrics.RecordInjection("ignored")
	i.logger.Debug("injection ignored", "session", s.Name(), "reason", reason)
}

// limiter returns the limiter for s, or nil when limiting is disabled.
func (i *Injector) limiter(s session.Session) *rate.Limiter {
	if i.ratePerSecond <= 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	lim, ok := i.limiters[s]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(i.ratePerSecond), i.burst)
		i.limiters[s] = lim
	}
	return lim
}

// Forget drops the limiter state of s. It is registered as a completion
// hook so finished sessions do not accumulate limiters.
func (i *Injector) Forget(s session.Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.limiters, s)
}
