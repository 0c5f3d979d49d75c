package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of work with retry metadata. The ID doubles as the
// idempotency key: a second enqueue with the same ID is a no-op.
type Job struct {
	ID         string
	Kind       string
	Payload    []byte
	EnqueuedAt time.Time
	Attempt    int
}

// Handler processes one job. A returned error triggers a retry until the
// retry budget is spent.
type Handler func(ctx context.Context, job Job) error

// RetryPolicy controls retry behavior. MaxAttempts bounds the delayed
// retries that follow the first execution, and delays double from the base
// per retry: a budget of 3 with a 2s base yields 2s, 4s and 8s before the
// job dead-letters.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// NextDelay returns the backoff before the next retry of a job whose
// numbered attempt just failed, or false when the retry budget is spent.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if p.BaseDelay <= 0 {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	return p.BaseDelay << (attempt - 1), true
}

// FailedJob is a dead-lettered job retained with its last error.
type FailedJob struct {
	Job       Job
	LastError string
	FailedAt  time.Time
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Pending      int
	InFlight     int
	Completed    int64
	Failed       int64
	Retried      int64
	Deduplicated int64
}

// Config controls queue behavior.
type Config struct {
	Concurrency int
	RetryPolicy RetryPolicy
	JobTimeout  time.Duration
	ClaimTTL    time.Duration

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Recorder counts job outcomes for the operational metrics endpoint.
type Recorder interface {
	QueueJob(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) QueueJob(string, string) {}

type claim struct {
	job       Job
	claimedAt time.Time
}

// Queue is a durable in-process job queue: idempotent enqueue by job ID, a
// bounded worker pool, per-job timeouts, bounded retries with exponential
// backoff, a dead-letter set, and a sweep that re-queues jobs whose claim
// expired.
type Queue struct {
	cfg      Config
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(time.Duration)

	jobs chan Job

	mu       sync.Mutex
	seen     map[string]struct{}
	inFlight map[string]claim
	failed   map[string]FailedJob
	handlers map[string]Handler
	started  bool

	completed    int64
	failedCount  int64
	retried      int64
	deduplicated int64

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a queue. Register handlers per job kind before Start.
func New(cfg Config, recorder Recorder, logger ...*zap.Logger) *Queue {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Queue{
		cfg:      cfg,
		recorder: recorder,
		logger:   log,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
		jobs:     make(chan Job, 1024),
		seen:     make(map[string]struct{}),
		inFlight: make(map[string]claim),
		failed:   make(map[string]FailedJob),
		handlers: make(map[string]Handler),
		quit:     make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Must happen before Start.
func (q *Queue) Register(kind string, handler Handler) error {
	if kind == "" || handler == nil {
		return fmt.Errorf("job kind and handler are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("register %s: queue already started", kind)
	}
	if _, exists := q.handlers[kind]; exists {
		return fmt.Errorf("register %s: handler already registered", kind)
	}
	q.handlers[kind] = handler
	return nil
}

// Enqueue adds a job. The returned bool is false when the job ID was already
// enqueued before (deduplicated).
func (q *Queue) Enqueue(_ context.Context, job Job) (bool, error) {
	if q == nil {
		return false, fmt.Errorf("queue is nil")
	}
	if job.ID == "" {
		return false, fmt.Errorf("job id is required")
	}
	if job.Kind == "" {
		return false, fmt.Errorf("job kind is required")
	}

	q.mu.Lock()
	if _, dup := q.seen[job.ID]; dup {
		q.deduplicated++
		q.mu.Unlock()
		q.recorder.QueueJob(job.Kind, "deduplicated")
		return false, nil
	}
	q.seen[job.ID] = struct{}{}
	q.mu.Unlock()

	job.EnqueuedAt = q.now()
	job.Attempt = 0

	select {
	case q.jobs <- job:
		return true, nil
	default:
		q.mu.Lock()
		delete(q.seen, job.ID)
		q.mu.Unlock()
		return false, fmt.Errorf("enqueue %s: queue buffer full", job.ID)
	}
}

// Start launches the worker pool and the stalled-claim sweep.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.sweepLoop(ctx)
	return nil
}

// Stop drains the workers. Pending jobs stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:      len(q.jobs),
		InFlight:     len(q.inFlight),
		Completed:    q.completed,
		Failed:       q.failedCount,
		Retried:      q.retried,
		Deduplicated: q.deduplicated,
	}
}

// FailedJobs returns the dead-letter set sorted by job ID.
func (q *Queue) FailedJobs() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]FailedJob, 0, len(q.failed))
	for _, job := range q.failed {
		result = append(result, job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Job.ID < result[j].Job.ID })
	return result
}

// Healthy reports whether the queue is accepting and processing work.
func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}

	q.mu.Lock()
	handler, ok := q.handlers[job.Kind]
	q.inFlight[job.ID] = claim{job: job, claimedAt: q.now()}
	q.mu.Unlock()

	release := func() {
		q.mu.Lock()
		delete(q.inFlight, job.ID)
		q.mu.Unlock()
	}

	if !ok {
		release()
		q.markFailed(job, fmt.Errorf("no handler for kind %s", job.Kind))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	err := handler(jobCtx, job)
	cancel()
	release()

	if err == nil {
		q.mu.Lock()
		q.completed++
		q.mu.Unlock()
		q.recorder.QueueJob(job.Kind, "completed")
		return
	}

	delay, retry := q.cfg.RetryPolicy.NextDelay(job.Attempt)
	if !retry {
		q.markFailed(job, err)
		return
	}

	q.mu.Lock()
	q.retried++
	q.mu.Unlock()
	q.recorder.QueueJob(job.Kind, "retried")
	q.logger.Warn("job retrying",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))

	job.Attempt++
	q.sleep(delay)
	select {
	case q.jobs <- job:
	default:
		q.markFailed(job, fmt.Errorf("requeue %s: queue buffer full after %w", job.ID, err))
	}
}

func (q *Queue) markFailed(job Job, err error) {
	q.mu.Lock()
	q.failedCount++
	q.failed[job.ID] = FailedJob{Job: job, LastError: err.Error(), FailedAt: q.now()}
	q.mu.Unlock()
	q.recorder.QueueJob(job.Kind, "failed")
	q.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))
}

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	interval := q.cfg.ClaimTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case <-ticker.C:
			q.sweepStalled()
		}
	}
}

// sweepStalled re-queues jobs whose claim outlived the TTL. A worker that
// died mid-flight never releases its claim, so its job is recovered here.
func (q *Queue) sweepStalled() {
	now := q.now()
	q.mu.Lock()
	var stalled []Job
	for id, c := range q.inFlight {
		if now.Sub(c.claimedAt) > q.cfg.ClaimTTL {
			stalled = append(stalled, c.job)
			delete(q.inFlight, id)
		}
	}
	q.mu.Unlock()

	for _, job := range stalled {
		q.recorder.QueueJob(job.Kind, "stalled")
		q.logger.Warn("job claim expired, re-queueing",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind))
		select {
		case q.jobs <- job:
		default:
			q.markFailed(job, fmt.Errorf("requeue stalled %s: queue buffer full", job.ID))
		}
	}
}
