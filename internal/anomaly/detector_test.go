package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/store"
)

const (
	devWindow  = 7 * 24 * time.Hour
	teamWindow = 30 * 24 * time.Hour
)

func seedDeveloperHistory(t *testing.T, s *store.MemoryStore, userID string, day store.Day, days, commitsPerDay int) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertUser(ctx, store.User{ID: userID, OrgID: "org-1"}); err != nil {
		t.Fatalf("UpsertUser() returned error: %v", err)
	}
	cursor := day.Prev()
	for i := 0; i < days; i++ {
		err := s.UpsertDeveloperSnapshot(ctx, store.DeveloperMetricSnapshot{
			UserID: userID, OrgID: "org-1", Day: cursor, Commits: commitsPerDay,
		})
		if err != nil {
			t.Fatalf("UpsertDeveloperSnapshot() returned error: %v", err)
		}
		cursor = cursor.Prev()
	}
}

func TestCommitDropSeverityTiers(t *testing.T) {
	t.Parallel()

	day := store.Day("2024-03-15")

	cases := []struct {
		name         string
		todayCommits int
		wantSeverity Severity
		wantAnomaly  bool
	}{
		{"49 percent drop is tolerated", 51, "", false},
		{"50 percent drop", 50, SeverityLow, true},
		{"60 percent drop", 40, SeverityMedium, true},
		{"75 percent drop", 25, SeverityHigh, true},
		{"90 percent drop", 10, SeverityCritical, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := store.NewMemoryStore()
			ctx := context.Background()
			seedDeveloperHistory(t, s, "user-1", day, 7, 100)
			err := s.UpsertDeveloperSnapshot(ctx, store.DeveloperMetricSnapshot{
				UserID: "user-1", OrgID: "org-1", Day: day, Commits: tc.todayCommits, PRsOpened: 1,
			})
			if err != nil {
				t.Fatalf("UpsertDeveloperSnapshot() returned error: %v", err)
			}

			detector := NewDetector(s, devWindow, teamWindow, nil)
			anomalies, err := detector.DetectDay(ctx, "org-1", day)
			if err != nil {
				t.Fatalf("DetectDay() returned error: %v", err)
			}

			if !tc.wantAnomaly {
				if len(anomalies) != 0 {
					t.Fatalf("DetectDay() = %+v, want none", anomalies)
				}
				return
			}
			if len(anomalies) != 1 {
				t.Fatalf("DetectDay() returned %d anomalies, want 1", len(anomalies))
			}
			got := anomalies[0]
			if got.Check != CheckCommitDrop || got.Severity != tc.wantSeverity {
				t.Fatalf("anomaly = %s/%s, want %s/%s", got.Check, got.Severity, CheckCommitDrop, tc.wantSeverity)
			}
			if got.EntityID != "user-1" {
				t.Fatalf("anomaly entity = %q, want user-1", got.EntityID)
			}
		})
	}
}

func TestZeroActivityCheck(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	day := store.Day("2024-03-15")
	seedDeveloperHistory(t, s, "user-1", day, 7, 5)

	detector := NewDetector(s, devWindow, teamWindow, nil)
	anomalies, err := detector.DetectDay(ctx, "org-1", day)
	if err != nil {
		t.Fatalf("DetectDay() returned error: %v", err)
	}

	if len(anomalies) != 1 {
		t.Fatalf("DetectDay() returned %d anomalies, want 1", len(anomalies))
	}
	got := anomalies[0]
	if got.Check != CheckZeroActivity || got.Severity != SeverityMedium {
		t.Fatalf("anomaly = %s/%s, want %s/MEDIUM", got.Check, got.Severity, CheckZeroActivity)
	}
}

func TestNoHistoryIsExempt(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	day := store.Day("2024-03-15")

	// A known user with no snapshots at all: nothing to compare against.
	if err := s.UpsertUser(ctx, store.User{ID: "user-new", OrgID: "org-1"}); err != nil {
		t.Fatalf("UpsertUser() returned error: %v", err)
	}

	detector := NewDetector(s, devWindow, teamWindow, nil)
	anomalies, err := detector.DetectDay(ctx, "org-1", day)
	if err != nil {
		t.Fatalf("DetectDay() returned error: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("DetectDay() = %+v, want none for entity without history", anomalies)
	}
}

func TestZeroBaselineIsExempt(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	day := store.Day("2024-03-15")
	seedDeveloperHistory(t, s, "user-idle", day, 7, 0)

	detector := NewDetector(s, devWindow, teamWindow, nil)
	anomalies, err := detector.DetectDay(ctx, "org-1", day)
	if err != nil {
		t.Fatalf("DetectDay() returned error: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("DetectDay() = %+v, want none for zero baseline", anomalies)
	}
}

func TestRepositoryCommitDrop(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	day := store.Day("2024-03-15")

	if err := s.UpsertRepository(ctx, store.Repository{ID: "repo-1", ExternalID: "ext-1", OrgID: "org-1"}); err != nil {
		t.Fatalf("UpsertRepository() returned error: %v", err)
	}
	cursor := day.Prev()
	for i := 0; i < 7; i++ {
		err := s.UpsertRepositorySnapshot(ctx, store.RepositoryMetricSnapshot{
			RepoID: "repo-1", OrgID: "org-1", Day: cursor, Commits: 20,
		})
		if err != nil {
			t.Fatalf("UpsertRepositorySnapshot() returned error: %v", err)
		}
		cursor = cursor.Prev()
	}
	err := s.UpsertRepositorySnapshot(ctx, store.RepositoryMetricSnapshot{
		RepoID: "repo-1", OrgID: "org-1", Day: day, Commits: 2,
	})
	if err != nil {
		t.Fatalf("UpsertRepositorySnapshot() returned error: %v", err)
	}

	detector := NewDetector(s, devWindow, teamWindow, nil)
	anomalies, err := detector.DetectDay(ctx, "org-1", day)
	if err != nil {
		t.Fatalf("DetectDay() returned error: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("DetectDay() returned %d anomalies, want 1", len(anomalies))
	}
	got := anomalies[0]
	if got.EntityKind != "repository" || got.Severity != SeverityCritical {
		t.Fatalf("anomaly = %s/%s, want repository/CRITICAL", got.EntityKind, got.Severity)
	}
}

func TestTeamChecks(t *testing.T) {
	t.Parallel()

	day := store.Day("2024-03-15")

	seedTeam := func(t *testing.T, today store.TeamMetricSnapshot) *store.MemoryStore {
		t.Helper()
		s := store.NewMemoryStore()
		ctx := context.Background()
		cursor := day.Prev()
		for i := 0; i < 30; i++ {
			err := s.UpsertTeamSnapshot(ctx, store.TeamMetricSnapshot{
				OrgID: "org-1", Day: cursor, AvgCycleTimeHours: 10, OpenIssues: 10,
			})
			if err != nil {
				t.Fatalf("UpsertTeamSnapshot() returned error: %v", err)
			}
			cursor = cursor.Prev()
		}
		today.OrgID = "org-1"
		today.Day = day
		if err := s.UpsertTeamSnapshot(ctx, today); err != nil {
			t.Fatalf("UpsertTeamSnapshot() returned error: %v", err)
		}
		return s
	}

	cases := []struct {
		name         string
		today        store.TeamMetricSnapshot
		wantCheck    string
		wantSeverity Severity
	}{
		{"cycle time doubled", store.TeamMetricSnapshot{AvgCycleTimeHours: 20, OpenIssues: 10}, CheckCycleTime, SeverityMedium},
		{"cycle time tripled", store.TeamMetricSnapshot{AvgCycleTimeHours: 30, OpenIssues: 10}, CheckCycleTime, SeverityHigh},
		{"cycle time quintupled", store.TeamMetricSnapshot{AvgCycleTimeHours: 50, OpenIssues: 10}, CheckCycleTime, SeverityCritical},
		{"backlog at 1.5x", store.TeamMetricSnapshot{AvgCycleTimeHours: 10, OpenIssues: 15}, CheckIssueBacklog, SeverityMedium},
		{"backlog doubled", store.TeamMetricSnapshot{AvgCycleTimeHours: 10, OpenIssues: 20}, CheckIssueBacklog, SeverityHigh},
		{"backlog tripled", store.TeamMetricSnapshot{AvgCycleTimeHours: 10, OpenIssues: 30}, CheckIssueBacklog, SeverityCritical},
		{"merge rate below 30", store.TeamMetricSnapshot{AvgCycleTimeHours: 10, OpenIssues: 10, PRsOpened: 100, Velocity: 25}, CheckMergeRate, SeverityMedium},
		{"merge rate below 20", store.TeamMetricSnapshot{AvgCycleTimeHours: 10, OpenIssues: 10, PRsOpened: 100, Velocity: 15}, CheckMergeRate, SeverityHigh},
		{"merge rate below 10", store.TeamMetricSnapshot{AvgCycleTimeHours: 10, OpenIssues: 10, PRsOpened: 100, Velocity: 5}, CheckMergeRate, SeverityCritical},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := seedTeam(t, tc.today)
			detector := NewDetector(s, devWindow, teamWindow, nil)
			anomalies, err := detector.DetectDay(context.Background(), "org-1", day)
			if err != nil {
				t.Fatalf("DetectDay() returned error: %v", err)
			}
			if len(anomalies) != 1 {
				t.Fatalf("DetectDay() returned %d anomalies, want 1: %+v", len(anomalies), anomalies)
			}
			got := anomalies[0]
			if got.Check != tc.wantCheck || got.Severity != tc.wantSeverity {
				t.Fatalf("anomaly = %s/%s, want %s/%s", got.Check, got.Severity, tc.wantCheck, tc.wantSeverity)
			}
		})
	}
}

func TestTeamHealthyDayHasNoAnomalies(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	day := store.Day("2024-03-15")

	cursor := day.Prev()
	for i := 0; i < 10; i++ {
		err := s.UpsertTeamSnapshot(ctx, store.TeamMetricSnapshot{
			OrgID: "org-1", Day: cursor, AvgCycleTimeHours: 10, OpenIssues: 10,
		})
		if err != nil {
			t.Fatalf("UpsertTeamSnapshot() returned error: %v", err)
		}
		cursor = cursor.Prev()
	}
	err := s.UpsertTeamSnapshot(ctx, store.TeamMetricSnapshot{
		OrgID: "org-1", Day: day, AvgCycleTimeHours: 11, OpenIssues: 9, PRsOpened: 10, Velocity: 8,
	})
	if err != nil {
		t.Fatalf("UpsertTeamSnapshot() returned error: %v", err)
	}

	detector := NewDetector(s, devWindow, teamWindow, nil)
	anomalies, err := detector.DetectDay(ctx, "org-1", day)
	if err != nil {
		t.Fatalf("DetectDay() returned error: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("DetectDay() = %+v, want none", anomalies)
	}
}
