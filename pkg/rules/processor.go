package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
	"github.com/aixgo-dev/inspector/pkg/stream"
)

// DefaultKeepMatches is how many matching messages an Evaluation retains.
const DefaultKeepMatches = 10

// ErrProcessorClosed is reported by evaluations requested after Close.
var ErrProcessorClosed = errors.New("rule processor is closed")

// Evaluation is the observable state of one rule applied to one session.
type Evaluation struct {
	Session session.Session
	Rule    string

	// Status moves from RUNNING to exactly one settled status.
	Status *Value[Status]
	// StopTime is the time of the message that settled the evaluation; zero
	// until settled.
	StopTime *Value[time.Time]
	// LastMatches holds the most recent matching messages, oldest first.
	LastMatches *Value[[]msglog.Message]
	// Err is the cause of an ERROR status.
	Err *Value[error]

	done chan struct{}
}

func newEvaluation(s session.Session, rule string) *Evaluation {
	return &Evaluation{
		Session:     s,
		Rule:        rule,
		Status:      NewValue(StatusRunning),
		StopTime:    NewValue(time.Time{}),
		LastMatches: NewValue[[]msglog.Message](nil),
		Err:         NewValue[error](nil),
		done:        make(chan struct{}),
	}
}

// Done is closed when the evaluation has stopped consuming messages.
func (e *Evaluation) Done() <-chan struct{} { return e.done }

func (e *Evaluation) settle(st Status, at time.Time) {
	if e.Status.Get() != StatusRunning {
		return
	}
	if !at.IsZero() {
		e.StopTime.Set(at)
	}
	e.Status.Set(st)
}

func (e *Evaluation) fail(err error, at time.Time) {
	e.Err.Set(err)
	if !at.IsZero() {
		e.StopTime.Set(at)
	}
	e.Status.Set(StatusError)
}

type evalKey struct {
	session session.Session
	rule    string
}

// Processor runs rule evaluations over replay-then-live feeds. Each
// (session, rule name) pair is evaluated once; later requests share the
// same Evaluation.
type Processor struct {
	mux    *stream.Multiplexer
	logger *slog.Logger
	keep   int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	evals  map[evalKey]*Evaluation
	closed bool
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithKeepMatches sets how many matching messages are retained.
func WithKeepMatches(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.keep = n
		}
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a processor whose evaluations live until ctx ends or
// Close is called.
func NewProcessor(ctx context.Context, mux *stream.Multiplexer, opts ...ProcessorOption) *Processor {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Processor{
		mux:    mux,
		keep:   DefaultKeepMatches,
		ctx:    gctx,
		cancel: cancel,
		group:  g,
		evals:  make(map[evalKey]*Evaluation),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = observability.Logger()
	}
	p.logger = p.logger.With("component", "rules")
	return p
}

// Evaluate returns the evaluation of rule over s, starting it on first use.
// A session the registry has not discovered yet settles UNMATCHED at once
// and is not remembered, so evaluating again after discovery starts afresh.
func (p *Processor) Evaluate(s session.Session, rule Rule) *Evaluation {
	key := evalKey{session: s, rule: rule.Name()}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.evals[key]; ok {
		return e
	}

	e := newEvaluation(s, rule.Name())
	if p.closed {
		e.fail(ErrProcessorClosed, time.Time{})
		close(e.done)
		return e
	}
	if !p.mux.Known(s) {
		e.settle(StatusUnmatched, time.Time{})
		close(e.done)
		return e
	}
	p.evals[key] = e
	p.group.Go(func() error {
		defer close(e.done)
		p.run(p.ctx, e, rule)
		return nil
	})
	return e
}

func (p *Processor) run(ctx context.Context, e *Evaluation, rule Rule) {
	rl, err := p.mux.ReplayThenLive(ctx, e.Session)
	if err != nil {
		e.fail(err, time.Time{})
		return
	}
	defer rl.Close()

	var (
		last    time.Time
		matches []msglog.Message
	)
	for msg := range rl.C() {
		at := time.UnixMilli(msg.ID.Timestamp)
		last = at

		ok, err := rule.Match(msg)
		if err != nil {
			p.logger.Warn("rule failed", "rule", e.Rule, "session", e.Session.Name(), "id", msg.ID.String(), "error", err)
			e.fail(fmt.Errorf("rule %s at %s: %w", e.Rule, msg.ID, err), at)
			return
		}
		if !ok {
			continue
		}

		matches = append(matches, msg)
		if len(matches) > p.keep {
			matches = slices.Clone(matches[len(matches)-p.keep:])
		}
		e.LastMatches.Set(slices.Clone(matches))
		e.settle(StatusMatched, at)
	}

	if err := rl.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(err, last)
		return
	}
	e.settle(StatusUnmatched, last)
}

// Close stops every evaluation and waits for them to return. Evaluations
// still RUNNING stay RUNNING.
func (p *Processor) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	return p.group.Wait()
}
