// Package app wires the subsystems into a running service.
//
// New opens the store and the optional Redis connection, builds the scoring,
// assessment and validation services and mounts them on the HTTP router.
// Run serves until the context ends; Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithStore,
// WithRedis, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tan-res-space/rag-interface/internal/assessment"
	"github.com/tan-res-space/rag-interface/internal/cache"
	"github.com/tan-res-space/rag-interface/internal/config"
	"github.com/tan-res-space/rag-interface/internal/events"
	"github.com/tan-res-space/rag-interface/internal/health"
	"github.com/tan-res-space/rag-interface/internal/lock"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/internal/resilience"
	"github.com/tan-res-space/rag-interface/internal/scheduler"
	"github.com/tan-res-space/rag-interface/internal/store"
	"github.com/tan-res-space/rag-interface/internal/transport/rest"
	"github.com/tan-res-space/rag-interface/internal/workflow"
	"github.com/tan-res-space/rag-interface/pkg/ser"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// App owns every subsystem lifetime.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	store   store.Store
	redis   redis.UniversalClient
	metrics *observe.Metrics

	engine     *ser.Engine
	publisher  events.Publisher
	assessment *assessment.Service
	workflow   *workflow.Service
	scheduler  *scheduler.Scheduler
	handler    http.Handler
	server     *http.Server

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the registry the store is created from.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithStore injects a store instead of creating one from config. The app
// does not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRedis injects a Redis client instead of dialling redis.addr. The app
// does not close an injected client.
func WithRedis(c redis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPublisher replaces the event publisher built from config.
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Redis ─────────────────────────────────────────────────────────
	if err := a.initRedis(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init redis: %w", err)
	}

	// ── 3. Services ──────────────────────────────────────────────────────
	if err := a.initServices(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init services: %w", err)
	}

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no store injected and no registry configured")
	}
	st, err := a.registry.CreateStore(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	slog.Info("store ready", "backend", a.cfg.Storage.Backend)
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	if a.redis != nil || !a.cfg.Redis.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping %s: %w", a.cfg.Redis.Addr, err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	slog.Info("redis connected", "addr", a.cfg.Redis.Addr)
	return nil
}

func (a *App) initServices() error {
	a.engine = ser.NewEngine(
		ser.WithConcurrency(a.cfg.Scoring.BatchConcurrency),
		ser.WithRecorder(a.metrics),
	)

	var (
		locker lock.Locker            = lock.NewKeyedMutex()
		perf   cache.PerformanceCache = cache.Nop{}
	)
	if a.publisher == nil {
		a.publisher = events.LogPublisher{}
	}
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis, lock.WithTTL(a.cfg.Redis.LockTTL))
		perf = cache.NewRedis(a.redis, a.cfg.Redis.CacheTTL, resilience.CircuitBreakerConfig{Name: "redis-cache"})
		a.publisher = events.NewFailover(
			resilience.CircuitBreakerConfig{Name: "events"},
			events.Named{Name: "redis", Publisher: events.NewRedisPublisher(a.redis, a.cfg.Redis.EventChannel)},
			events.Named{Name: "log", Publisher: a.publisher},
		)
	}
	emitter := events.NewEmitter(a.publisher, a.metrics)

	ac := a.cfg.Assessment
	a.assessment = assessment.New(a.store, assessment.Config{
		MinErrors:     ac.MinErrors,
		ReassessDays:  ac.ReassessDays,
		DefaultBucket: ac.DefaultBucket,
		Confidence:    ac.Confidence,
		Concurrency:   ac.Concurrency,
	},
		assessment.WithLocker(locker),
		assessment.WithCache(perf),
		assessment.WithEmitter(emitter),
		assessment.WithRecorder(a.metrics),
	)

	a.workflow = workflow.New(a.store, a.engine, workflow.Config{
		MaxSessionDuration: a.cfg.Validation.MaxSessionDuration,
		DefaultMaxItems:    a.cfg.Validation.DefaultMaxItems,
	},
		workflow.WithLocker(locker),
		workflow.WithEmitter(emitter),
		workflow.WithRecorder(a.metrics),
	)

	sched, err := scheduler.New(ac.Schedule, a.assessment, scheduler.WithLocker(locker))
	switch {
	case errors.Is(err, scheduler.ErrDisabled):
		slog.Info("reassessment sweep disabled")
	case err != nil:
		return err
	default:
		a.scheduler = sched
	}
	return nil
}

func (a *App) initHTTP() {
	checkers := []health.Checker{health.Ping("store", a.store)}
	if a.redis != nil {
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}

	a.handler = rest.NewRouter(&rest.Container{
		Engine:      a.engine,
		Assessment:  a.assessment,
		Workflow:    a.workflow,
		Health:      health.New(checkers...),
		Metrics:     a.metrics,
		MetricsPath: a.cfg.Telemetry.MetricsPath,
	})
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Assessment returns the assessment service.
func (a *App) Assessment() *assessment.Service { return a.assessment }

// Workflow returns the validation workflow service.
func (a *App) Workflow() *workflow.Service { return a.workflow }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the scheduler and serves HTTP until ctx is cancelled or the
// server fails. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("app: start scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for in-flight requests and a
// running sweep, then closes Redis and the store. If ctx expires first the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
		}
		if a.scheduler != nil {
			if err := a.scheduler.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
