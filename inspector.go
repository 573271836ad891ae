// Package inspector records the messages exchanged inside monitored program
// runs and serves them back as finite replays, live tails, and gap-free
// replay-then-live streams.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/pkg/config"
	"github.com/aixgo-dev/inspector/pkg/ingest"
	"github.com/aixgo-dev/inspector/pkg/inject"
	"github.com/aixgo-dev/inspector/pkg/msglog"
	metrics "github.com/aixgo-dev/inspector/pkg/observability"
	"github.com/aixgo-dev/inspector/pkg/rules"
	"github.com/aixgo-dev/inspector/pkg/session"
	"github.com/aixgo-dev/inspector/pkg/store"
	"github.com/aixgo-dev/inspector/pkg/stream"
)

// Version is reported by the health endpoint and the CLI.
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// Inspector is the query surface over recorded sessions. It owns the
// storage backend, the session registry, the message log and the
// collaborators built on them.
type Inspector struct {
	backend  store.Backend
	registry *session.Registry
	log      *msglog.Log
	mux      *stream.Multiplexer
	rules    *rules.Processor
	injector *inject.Injector
	follower *ingest.Follower
	health   *metrics.HealthChecker
	logger   *slog.Logger
	httpPort int
}

type options struct {
	logger     *slog.Logger
	clock      func() time.Time
	pageSize   int
	highWater  int
	maxPending int
	injectRate float64
	burst      int
	httpPort   int
	ingestOpts []ingest.Option
	ingest     bool
}

// Option configures an Inspector.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock used to stamp appended messages.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithStreamLimits sets the scan page size and the subscriber backlog
// limits. Zero values keep the defaults.
func WithStreamLimits(pageSize, highWater, maxPending int) Option {
	return func(o *options) {
		o.pageSize, o.highWater, o.maxPending = pageSize, highWater, maxPending
	}
}

// WithInjectRate limits injections per session.
func WithInjectRate(perSecond float64, burst int) Option {
	return func(o *options) { o.injectRate, o.burst = perSecond, burst }
}

// WithHTTPPort serves health and metrics on port while Serve runs. Zero
// disables the server.
func WithHTTPPort(port int) Option {
	return func(o *options) { o.httpPort = port }
}

// WithIngest follows the backend's Redis ingress stream while Serve runs.
// The backend must be a Redis backend.
func WithIngest(opts ...ingest.Option) Option {
	return func(o *options) {
		o.ingest = true
		o.ingestOpts = opts
	}
}

// New wires an Inspector over backend.
func New(backend store.Backend, opts ...Option) (*Inspector, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.Logger()
	}

	registry := session.NewRegistry(session.WithStore(backend), session.WithLogger(o.logger))

	logOpts := []msglog.LogOption{
		msglog.WithDiscoverer(registry),
		msglog.WithLogger(o.logger),
		msglog.WithPageSize(o.pageSize),
		msglog.WithSubscriberLimits(o.highWater, o.maxPending),
	}
	if o.clock != nil {
		logOpts = append(logOpts, msglog.WithClock(o.clock))
	}
	log := msglog.NewLog(backend, logOpts...)
	mux := stream.New(log, registry, stream.WithLogger(o.logger))

	injOpts := []inject.Option{inject.WithLogger(o.logger)}
	if o.injectRate > 0 {
		injOpts = append(injOpts, inject.WithRateLimit(o.injectRate, o.burst))
	}
	injector := inject.New(log, registry, injOpts...)

	registry.OnComplete(log.Seal)
	registry.OnComplete(injector.Forget)

	in := &Inspector{
		backend:  backend,
		registry: registry,
		log:      log,
		mux:      mux,
		rules:    rules.NewProcessor(context.Background(), mux, rules.WithLogger(o.logger)),
		injector: injector,
		health:   metrics.NewHealthChecker(Version),
		logger:   o.logger.With("component", "inspector"),
		httpPort: o.httpPort,
	}
	in.health.RegisterCheck(metrics.StoreCheck(backend.Ping))

	if o.ingest {
		rb, ok := backend.(*store.RedisBackend)
		if !ok {
			return nil, errors.New("ingest requires the redis store")
		}
		in.follower = ingest.NewFollower(rb.Client(), log, registry,
			append([]ingest.Option{ingest.WithLogger(o.logger)}, o.ingestOpts...)...)
		in.health.RegisterCheck(metrics.IngestCheck(in.follower.Healthy))
	}
	return in, nil
}

// NewFromConfig opens the configured backend and wires an Inspector over
// it. The Inspector owns the backend and closes it in Close.
func NewFromConfig(cfg *config.Config) (*Inspector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend, err := store.Open(store.Config{
		Type: cfg.Store.Type,
		Dir:  cfg.Store.Dir,
		Redis: store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
			PoolSize: cfg.Store.Redis.PoolSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}

	opts := []Option{
		WithStreamLimits(cfg.Stream.PageSize, cfg.Stream.HighWater, cfg.Stream.MaxPending),
		WithInjectRate(cfg.Inject.RatePerSecond, cfg.Inject.Burst),
		WithHTTPPort(cfg.Observability.HTTPPort),
	}
	if cfg.Ingest.Enabled {
		opts = append(opts, WithIngest(
			ingest.WithStream(cfg.Ingest.Stream),
			ingest.WithCheckpointKey(cfg.Ingest.Checkpoint),
			ingest.WithStartID(cfg.Ingest.From),
			ingest.WithBlock(cfg.Ingest.Block),
			ingest.WithBatch(cfg.Ingest.Batch),
		))
	}

	in, err := New(backend, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return in, nil
}

// Restore loads the sessions persisted by earlier runs. Sessions that were
// completed stay completed; sessions that were running are assumed to be
// running until a stop signal arrives.
func (in *Inspector) Restore(ctx context.Context) error {
	return in.registry.Restore(ctx)
}

// Sessions returns every known session in discovery order.
func (in *Inspector) Sessions() []session.Session {
	return in.registry.Sessions()
}

// Count returns the number of messages stored for s; zero if s is unknown.
func (in *Inspector) Count(ctx context.Context, s session.Session) (int64, error) {
	return in.log.Count(ctx, s)
}

// StartTimeOf returns when s was discovered.
func (in *Inspector) StartTimeOf(s session.Session) (time.Time, bool) {
	return in.registry.StartTimeOf(s)
}

// StopTimeOf returns when s completed.
func (in *Inspector) StopTimeOf(s session.Session) (time.Time, bool) {
	return in.registry.StopTimeOf(s)
}

// StatusOf returns the lifecycle status of s.
func (in *Inspector) StatusOf(s session.Session) (session.Status, bool) {
	return in.registry.StatusOf(s)
}

// LiveStatusUpdates returns a feed of lifecycle transitions from now on.
func (in *Inspector) LiveStatusUpdates(ctx context.Context) *session.Feed {
	return in.registry.LiveStatusUpdates(ctx)
}

// Replay streams the stored messages of s inside rng, oldest first.
func (in *Inspector) Replay(ctx context.Context, s session.Session, rng msglog.Range) (*stream.Replay, error) {
	return in.mux.Replay(ctx, s, rng)
}

// ReplayReverse streams the stored messages of s inside rng, newest first.
func (in *Inspector) ReplayReverse(ctx context.Context, s session.Session, rng msglog.Range) (*stream.Replay, error) {
	return in.mux.ReplayReverse(ctx, s, rng)
}

// Live streams messages of s appended from now on.
func (in *Inspector) Live(ctx context.Context, s session.Session) (*stream.Live, error) {
	return in.mux.Live(ctx, s)
}

// LiveRange streams messages of s from rng.From onwards, continuing live.
func (in *Inspector) LiveRange(ctx context.Context, s session.Session, rng msglog.Range) (*stream.Live, error) {
	return in.mux.LiveRange(ctx, s, rng)
}

// ReplayThenLive streams every message of s, stored and future, exactly once.
func (in *Inspector) ReplayThenLive(ctx context.Context, s session.Session) (*stream.ReplayLive, error) {
	return in.mux.ReplayThenLive(ctx, s)
}

// Inject writes a synthetic message into s if it is running.
func (in *Inspector) Inject(ctx context.Context, s session.Session, inj inject.Injection) error {
	return in.injector.Inject(ctx, s, inj)
}

// Evaluate returns the evaluation of rule over s.
func (in *Inspector) Evaluate(s session.Session, rule rules.Rule) *rules.Evaluation {
	return in.rules.Evaluate(s, rule)
}

// Append records a message produced by a monitored program.
func (in *Inspector) Append(ctx context.Context, msg msglog.Message) (msglog.Message, error) {
	return in.log.Append(ctx, msg)
}

// Signals is the lifecycle input for process start and stop events.
func (in *Inspector) Signals() session.Signals {
	return in.registry
}

// Health returns the health checker covering the backend and ingest.
func (in *Inspector) Health() *metrics.HealthChecker {
	return in.health
}

// Serve runs the background components until ctx ends: the ingest
// follower if configured and the health and metrics server if a port is
// set. It returns the first component failure.
func (in *Inspector) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if in.follower != nil {
		g.Go(func() error {
			return in.follower.Run(gctx)
		})
	}

	if in.httpPort > 0 {
		metrics.InitMetrics()
		srv := metrics.NewServer(in.httpPort, in.health)
		g.Go(func() error {
			in.logger.Info("starting HTTP server", "port", in.httpPort)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

// Close stops rule evaluations, ends status feeds and releases the backend.
func (in *Inspector) Close() error {
	var errs []error
	if err := in.rules.Close(); err != nil {
		errs = append(errs, err)
	}
	in.registry.Close()
	if err := in.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Run starts the inspector described by the config file at configPath and
// serves until SIGINT or SIGTERM.
func Run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg)
}

// RunWithConfig starts the inspector from cfg and serves until SIGINT or
// SIGTERM.
func RunWithConfig(cfg *config.Config) error {
	if err := observability.SetupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	logger := observability.Logger()

	tracing := observability.ConfigFromEnv()
	if cfg.Observability.Exporter != "none" {
		tracing.Enabled = true
		tracing.ExporterType = cfg.Observability.Exporter
	}
	if err := observability.Init(tracing); err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	in, err := NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			logger.Error("inspector shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := in.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	logger.Info("inspector started", "version", Version, "store", cfg.Store.Type, "ingest", cfg.Ingest.Enabled)
	err = in.Serve(ctx)
	logger.Info("inspector stopped")
	return err
}
