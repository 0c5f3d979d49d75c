package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/anomaly"
	"github.com/devpulse/devpulse/internal/store"
)

// Trigger labels what started an aggregation run.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// JobExecutionStats summarizes one aggregation run.
type JobExecutionStats struct {
	JobID                  string    `json:"jobId"`
	Trigger                string    `json:"trigger"`
	Day                    store.Day `json:"day"`
	StartTime              time.Time `json:"startTime"`
	EndTime                time.Time `json:"endTime"`
	OrganizationsProcessed int       `json:"organizationsProcessed"`
	DeveloperSnapshots     int       `json:"developerSnapshots"`
	TeamSnapshots          int       `json:"teamSnapshots"`
	RepositorySnapshots    int       `json:"repositorySnapshots"`
	AnomaliesDetected      int       `json:"anomaliesDetected"`
	Errors                 []string  `json:"errors,omitempty"`
}

// Status reports the scheduler's current state.
type Status struct {
	Active  bool               `json:"active"`
	Running bool               `json:"running"`
	NextRun time.Time          `json:"nextRun,omitzero"`
	LastRun *JobExecutionStats `json:"lastRun,omitempty"`
}

type schedulerStore interface {
	ListOrganizations(ctx context.Context) ([]store.Organization, error)
	ListRepositories(ctx context.Context, orgID string) ([]store.Repository, error)
	ActiveUserIDs(ctx context.Context, orgID string, within store.TimeRange) ([]string, error)
}

type calculator interface {
	CalculateDeveloperDay(ctx context.Context, userID, orgID string, day store.Day) (store.DeveloperMetricSnapshot, error)
	CalculateTeamDay(ctx context.Context, orgID string, day store.Day) (store.TeamMetricSnapshot, error)
	CalculateRepositoryDay(ctx context.Context, repoID, orgID string, day store.Day) (store.RepositoryMetricSnapshot, error)
}

type detector interface {
	DetectDay(ctx context.Context, orgID string, day store.Day) ([]anomaly.Anomaly, error)
}

// Recorder counts aggregation runs by trigger and result.
type Recorder interface {
	AggregationRun(trigger, result string)
}

type nopRecorder struct{}

func (nopRecorder) AggregationRun(string, string) {}

// Scheduler owns the recurring daily aggregation: one run at midnight UTC
// computing the previous day for every organization. Manual triggers run the
// same code path synchronously.
type Scheduler struct {
	store    schedulerStore
	engine   calculator
	detector detector
	recorder Recorder
	logger   *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	nextRun time.Time
	lastRun *JobExecutionStats
}

// New creates a scheduler.
func New(s schedulerStore, engine calculator, det detector, recorder Recorder, logger ...*zap.Logger) *Scheduler {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Scheduler{
		store:    s,
		engine:   engine,
		detector: det,
		recorder: recorder,
		logger:   log,
		Now:      time.Now,
	}
}

// EnsureSchedule starts the daily loop. Calling it again cancels the previous
// loop and starts a fresh one, so exactly one recurring run exists.
func (s *Scheduler) EnsureSchedule(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		done := s.done
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.nextRun = nextMidnight(s.Now().UTC())
	s.mu.Unlock()

	go s.loop(loopCtx, done)
}

// Stop cancels the daily loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		next := s.nextRun
		s.mu.Unlock()

		wait := next.Sub(s.Now().UTC())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		day := store.DayOf(s.Now().UTC()).Prev()
		if _, err := s.RunAll(ctx, day, TriggerScheduled); err != nil {
			s.logger.Error("scheduled aggregation run failed", zap.Error(err))
		}

		s.mu.Lock()
		s.nextRun = nextMidnight(s.Now().UTC())
		s.mu.Unlock()
	}
}

// RunAll aggregates one day for every organization. Per-organization
// failures are recorded in the stats and do not stop the run.
func (s *Scheduler) RunAll(ctx context.Context, day store.Day, trigger string) (JobExecutionStats, error) {
	stats := s.beginRun(day, trigger)
	defer s.endRun(&stats, trigger)

	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("list organizations: %v", err))
		return stats, fmt.Errorf("list organizations: %w", err)
	}

	for _, org := range orgs {
		before := len(stats.Errors)
		s.runOrganization(ctx, &stats, org.ID, day)
		if len(stats.Errors) == before {
			stats.OrganizationsProcessed++
		} else {
			s.logger.Warn("organization aggregation had failures",
				zap.String("org", org.ID),
				zap.String("day", string(day)))
		}
	}
	return stats, nil
}

// RunOrganization aggregates one day for one organization and returns the
// stats. This is the manual trigger path.
func (s *Scheduler) RunOrganization(ctx context.Context, orgID string, day store.Day) (JobExecutionStats, error) {
	stats := s.beginRun(day, TriggerManual)
	defer s.endRun(&stats, TriggerManual)

	s.runOrganization(ctx, &stats, orgID, day)
	if len(stats.Errors) == 0 {
		stats.OrganizationsProcessed = 1
	}
	return stats, nil
}

func (s *Scheduler) beginRun(day store.Day, trigger string) JobExecutionStats {
	stats := JobExecutionStats{
		JobID:     uuid.NewString(),
		Trigger:   trigger,
		Day:       day,
		StartTime: s.Now().UTC(),
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("aggregation run started",
		zap.String("job_id", stats.JobID),
		zap.String("trigger", trigger),
		zap.String("day", string(day)))
	return stats
}

func (s *Scheduler) endRun(stats *JobExecutionStats, trigger string) {
	stats.EndTime = s.Now().UTC()
	result := "ok"
	if len(stats.Errors) > 0 {
		result = "error"
	}
	s.recorder.AggregationRun(trigger, result)

	s.mu.Lock()
	s.running = false
	s.lastRun = stats
	s.mu.Unlock()

	s.logger.Info("aggregation run finished",
		zap.String("job_id", stats.JobID),
		zap.Duration("elapsed", stats.EndTime.Sub(stats.StartTime)),
		zap.Int("organizations", stats.OrganizationsProcessed),
		zap.Int("anomalies", stats.AnomaliesDetected),
		zap.Int("errors", len(stats.Errors)))
}

func (s *Scheduler) runOrganization(ctx context.Context, stats *JobExecutionStats, orgID string, day store.Day) {
	repos, err := s.store.ListRepositories(ctx, orgID)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("org %s: list repositories: %v", orgID, err))
		return
	}
	for _, repo := range repos {
		if _, err := s.engine.CalculateRepositoryDay(ctx, repo.ID, orgID, day); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("org %s: repository %s: %v", orgID, repo.ID, err))
			continue
		}
		stats.RepositorySnapshots++
	}

	active, err := s.store.ActiveUserIDs(ctx, orgID, day.Range())
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("org %s: list active users: %v", orgID, err))
	}
	for _, userID := range active {
		if _, err := s.engine.CalculateDeveloperDay(ctx, userID, orgID, day); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("org %s: developer %s: %v", orgID, userID, err))
			continue
		}
		stats.DeveloperSnapshots++
	}

	if _, err := s.engine.CalculateTeamDay(ctx, orgID, day); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("org %s: team: %v", orgID, err))
	} else {
		stats.TeamSnapshots++
	}

	anomalies, err := s.detector.DetectDay(ctx, orgID, day)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("org %s: anomaly detection: %v", orgID, err))
		return
	}
	stats.AnomaliesDetected += len(anomalies)
}

// Status reports whether the loop is active, whether a run is in flight, the
// next scheduled run, and the last completed run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Active:  s.cancel != nil,
		Running: s.running,
		NextRun: s.nextRun,
		LastRun: s.lastRun,
	}
}

// Healthy reports whether the recurring schedule is in place.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func nextMidnight(now time.Time) time.Time {
	return store.DayOf(now).Next().Start()
}
