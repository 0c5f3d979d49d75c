// Package app assembles the ingestion pipeline: webhook receiver, job queue,
// event processors, metrics engine, anomaly detector, scheduler, and the
// HTTP API that fronts them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/anomaly"
	"github.com/devpulse/devpulse/internal/auth"
	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/exporter"
	"github.com/devpulse/devpulse/internal/health"
	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/devpulse/devpulse/internal/processor"
	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/scheduler"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/webhook"
)

// Runtime is the application orchestrator. It owns every component's
// lifecycle and exposes the combined HTTP handler.
type Runtime struct {
	cfg       *config.Config
	store     store.Store
	queue     *queue.Queue
	receiver  *webhook.Receiver
	scheduler *scheduler.Scheduler
	cache     cache.Cache
	metrics   *exporter.Metrics
	auth      auth.Authenticator
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewRuntime builds the pipeline from configuration. Backends are connected
// eagerly so a misconfigured store or cache fails startup instead of the
// first request.
func NewRuntime(ctx context.Context, cfg *config.Config, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	backend, err := newStoreBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	responseCache, err := newCacheBackend(ctx, cfg)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	operational := exporter.NewMetrics()
	jobQueue := queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		RetryPolicy: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.RetryBaseDelay,
		},
		JobTimeout: cfg.Queue.JobTimeout,
		ClaimTTL:   cfg.Queue.ClaimTTL,
	}, operational, baseLogger)

	engine := metrics.NewEngine(backend, baseLogger)
	dispatcher := processor.NewDispatcher(backend, jobQueue, baseLogger)
	detector := anomaly.NewDetector(backend, cfg.Anomaly.DeveloperWindow, cfg.Anomaly.TeamWindow, operational, baseLogger)
	sched := scheduler.New(backend, engine, detector, operational, baseLogger)
	receiver := webhook.NewReceiver(backend, jobQueue, cfg.Webhook.GlobalSecret, operational, baseLogger)

	if err := jobQueue.Register(webhook.JobKindEvent, dispatcher.HandleJob); err != nil {
		return nil, err
	}
	if err := jobQueue.Register(metrics.JobKind, engine.HandleJob); err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:       cfg,
		store:     backend,
		queue:     jobQueue,
		receiver:  receiver,
		scheduler: sched,
		cache:     responseCache,
		metrics:   operational,
		auth:      auth.NewStatic(cfg.Auth.APITokens, cfg.Auth.AdminTokens),
		evaluator: health.NewStatusEvaluator(),
		logger:    baseLogger,
		Now:       time.Now,
	}, nil
}

func newStoreBackend(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.PostgresURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

// newCacheBackend returns nil when caching is disabled; callers treat a nil
// cache as a pass-through.
func newCacheBackend(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	return cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.Namespace)
}

// Start launches the queue workers and, when enabled, the daily schedule.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.queue.Start(ctx); err != nil {
		return err
	}
	if r.cfg.Scheduler.Enabled {
		r.scheduler.EnsureSchedule(ctx)
	}
	r.logger.Info("runtime started",
		zap.String("store_backend", r.cfg.Store.Backend),
		zap.Int("queue_concurrency", r.cfg.Queue.Concurrency),
		zap.Bool("scheduler_enabled", r.cfg.Scheduler.Enabled),
		zap.Bool("cache_enabled", r.cfg.Cache.Enabled))
	return nil
}

// Stop shuts the pipeline down in dependency order: schedule first so no new
// runs start, then workers, then backends.
func (r *Runtime) Stop(_ context.Context) error {
	r.scheduler.Stop()
	r.queue.Stop()

	var errs error
	if r.cache != nil {
		errs = errors.Join(errs, r.cache.Close())
	}
	errs = errors.Join(errs, r.store.Close())
	r.logger.Info("runtime stopped")
	return errs
}

// Store exposes the canonical datastore, mainly for seeding in tests.
func (r *Runtime) Store() store.Store {
	return r.store
}

// Queue exposes the job queue.
func (r *Runtime) Queue() *queue.Queue {
	return r.queue
}

// Scheduler exposes the aggregation scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.scheduler
}

// CurrentStatus evaluates dependency health for the health endpoints.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	input := health.Input{
		StoreHealthy:     r.store.Ping(pingCtx) == nil,
		QueueHealthy:     r.queue.Healthy(),
		SchedulerEnabled: r.cfg.Scheduler.Enabled,
		SchedulerHealthy: r.scheduler.Healthy(),
		CacheEnabled:     r.cfg.Cache.Enabled,
	}
	if r.cache != nil {
		input.CacheHealthy = r.cache.Ping(pingCtx) == nil
	}
	return r.evaluator.Evaluate(input)
}
