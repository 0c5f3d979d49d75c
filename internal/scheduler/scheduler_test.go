package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/anomaly"
	"github.com/devpulse/devpulse/internal/store"
)

type stubEngine struct {
	failOrg    string
	developers int
	teams      int
	repos      int
}

func (e *stubEngine) CalculateDeveloperDay(_ context.Context, _, orgID string, _ store.Day) (store.DeveloperMetricSnapshot, error) {
	if orgID == e.failOrg {
		return store.DeveloperMetricSnapshot{}, errors.New("boom")
	}
	e.developers++
	return store.DeveloperMetricSnapshot{}, nil
}

func (e *stubEngine) CalculateTeamDay(_ context.Context, orgID string, _ store.Day) (store.TeamMetricSnapshot, error) {
	if orgID == e.failOrg {
		return store.TeamMetricSnapshot{}, errors.New("boom")
	}
	e.teams++
	return store.TeamMetricSnapshot{}, nil
}

func (e *stubEngine) CalculateRepositoryDay(_ context.Context, _, orgID string, _ store.Day) (store.RepositoryMetricSnapshot, error) {
	if orgID == e.failOrg {
		return store.RepositoryMetricSnapshot{}, errors.New("boom")
	}
	e.repos++
	return store.RepositoryMetricSnapshot{}, nil
}

type stubDetector struct {
	anomalies []anomaly.Anomaly
}

func (d *stubDetector) DetectDay(context.Context, string, store.Day) ([]anomaly.Anomaly, error) {
	return d.anomalies, nil
}

func seededStore(t *testing.T, orgs ...string) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, org := range orgs {
		if err := s.UpsertOrganization(ctx, store.Organization{ID: org}); err != nil {
			t.Fatalf("UpsertOrganization() returned error: %v", err)
		}
		if err := s.UpsertRepository(ctx, store.Repository{ID: "repo-" + org, ExternalID: "ext-" + org, OrgID: org}); err != nil {
			t.Fatalf("UpsertRepository() returned error: %v", err)
		}
		if _, err := s.UpsertCommit(ctx, store.Commit{
			SHA: "sha-" + org, OrgID: org, RepoID: "repo-" + org, AuthorID: "user-" + org,
			Timestamp: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("UpsertCommit() returned error: %v", err)
		}
	}
	return s
}

func TestRunOrganization(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	detector := &stubDetector{anomalies: []anomaly.Anomaly{
		{Check: anomaly.CheckZeroActivity, Severity: anomaly.SeverityMedium},
	}}
	sched := New(seededStore(t, "org-1"), engine, detector, nil)
	sched.Now = func() time.Time { return time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC) }

	stats, err := sched.RunOrganization(context.Background(), "org-1", store.Day("2024-03-15"))
	if err != nil {
		t.Fatalf("RunOrganization() returned error: %v", err)
	}

	if stats.JobID == "" {
		t.Fatal("stats.JobID is empty")
	}
	if stats.Trigger != TriggerManual {
		t.Fatalf("stats.Trigger = %q, want manual", stats.Trigger)
	}
	if stats.OrganizationsProcessed != 1 {
		t.Fatalf("OrganizationsProcessed = %d, want 1", stats.OrganizationsProcessed)
	}
	if stats.RepositorySnapshots != 1 || stats.DeveloperSnapshots != 1 || stats.TeamSnapshots != 1 {
		t.Fatalf("snapshot counts = repo %d dev %d team %d, want 1 each",
			stats.RepositorySnapshots, stats.DeveloperSnapshots, stats.TeamSnapshots)
	}
	if stats.AnomaliesDetected != 1 {
		t.Fatalf("AnomaliesDetected = %d, want 1", stats.AnomaliesDetected)
	}
	if len(stats.Errors) != 0 {
		t.Fatalf("Errors = %v, want none", stats.Errors)
	}
}

func TestRunAllContinuesPastFailingOrganization(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{failOrg: "org-bad"}
	sched := New(seededStore(t, "org-bad", "org-good"), engine, &stubDetector{}, nil)

	stats, err := sched.RunAll(context.Background(), store.Day("2024-03-15"), TriggerScheduled)
	if err != nil {
		t.Fatalf("RunAll() returned error: %v", err)
	}

	if stats.OrganizationsProcessed != 1 {
		t.Fatalf("OrganizationsProcessed = %d, want 1", stats.OrganizationsProcessed)
	}
	if len(stats.Errors) == 0 {
		t.Fatal("stats.Errors is empty, want failures from org-bad")
	}
	if engine.teams != 1 {
		t.Fatalf("healthy org team calculations = %d, want 1", engine.teams)
	}
}

func TestStatusTracksRuns(t *testing.T) {
	t.Parallel()

	sched := New(seededStore(t, "org-1"), &stubEngine{}, &stubDetector{}, nil)

	status := sched.Status()
	if status.Active || status.Running || status.LastRun != nil {
		t.Fatalf("fresh Status() = %+v, want inactive and empty", status)
	}

	if _, err := sched.RunOrganization(context.Background(), "org-1", store.Day("2024-03-15")); err != nil {
		t.Fatalf("RunOrganization() returned error: %v", err)
	}

	status = sched.Status()
	if status.Running {
		t.Fatal("Status().Running = true after run finished")
	}
	if status.LastRun == nil || status.LastRun.Day != store.Day("2024-03-15") {
		t.Fatalf("Status().LastRun = %+v, want last run for 2024-03-15", status.LastRun)
	}
}

func TestEnsureScheduleIsSingleFlight(t *testing.T) {
	t.Parallel()

	sched := New(seededStore(t), &stubEngine{}, &stubDetector{}, nil)
	// Pin the clock well before midnight so the loop just waits.
	sched.Now = func() time.Time { return time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.EnsureSchedule(ctx)
	sched.EnsureSchedule(ctx)

	status := sched.Status()
	if !status.Active {
		t.Fatal("Status().Active = false after EnsureSchedule")
	}
	want := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	if !status.NextRun.Equal(want) {
		t.Fatalf("Status().NextRun = %v, want %v", status.NextRun, want)
	}

	sched.Stop()
	if sched.Status().Active {
		t.Fatal("Status().Active = true after Stop")
	}
}

func TestNextMidnight(t *testing.T) {
	t.Parallel()

	got := nextMidnight(time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC))
	want := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("nextMidnight() = %v, want %v", got, want)
	}
}
