package store

import (
	"context"
	"testing"
	"time"
)

func TestDayOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   time.Time
		want Day
	}{
		{
			name: "last instant of the day",
			in:   time.Date(2024, 3, 15, 23, 59, 59, 999_000_000, time.UTC),
			want: Day("2024-03-15"),
		},
		{
			name: "first instant of the next day",
			in:   time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
			want: Day("2024-03-16"),
		},
		{
			name: "non-utc input is normalized",
			in:   time.Date(2024, 3, 16, 1, 30, 0, 0, time.FixedZone("plus2", 2*3600)),
			want: Day("2024-03-15"),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DayOf(tc.in); got != tc.want {
				t.Fatalf("DayOf(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDayRange(t *testing.T) {
	t.Parallel()

	day := Day("2024-03-15")
	r := day.Range()

	if !r.Contains(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("Range() should contain midnight at the start of the day")
	}
	if !r.Contains(time.Date(2024, 3, 15, 23, 59, 59, 999_000_000, time.UTC)) {
		t.Fatal("Range() should contain the last instant of the day")
	}
	if r.Contains(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("Range() should exclude the next day's midnight")
	}
}

func TestParseDay(t *testing.T) {
	t.Parallel()

	day, err := ParseDay("2024-03-15")
	if err != nil {
		t.Fatalf("ParseDay(2024-03-15) returned error: %v", err)
	}
	if day != Day("2024-03-15") {
		t.Fatalf("ParseDay(2024-03-15) = %q, want 2024-03-15", day)
	}
	if _, err := ParseDay("15/03/2024"); err == nil {
		t.Fatal("ParseDay(15/03/2024) expected error, got nil")
	}
}

func TestUpsertCommitIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	commit := Commit{
		SHA:       "abc123",
		RepoID:    "repo-1",
		OrgID:     "org-1",
		AuthorID:  "user-1",
		Timestamp: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		Additions: 100,
		Deletions: 50,
	}

	created, err := s.UpsertCommit(ctx, commit)
	if err != nil {
		t.Fatalf("UpsertCommit() returned error: %v", err)
	}
	if !created {
		t.Fatal("first UpsertCommit() = created false, want true")
	}

	created, err = s.UpsertCommit(ctx, commit)
	if err != nil {
		t.Fatalf("second UpsertCommit() returned error: %v", err)
	}
	if created {
		t.Fatal("second UpsertCommit() = created true, want false")
	}

	commits, err := s.ListCommits(ctx, CommitFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("ListCommits() returned error: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("ListCommits() returned %d commits, want 1", len(commits))
	}
}

func TestUpsertCommitKeepsResolvedAuthor(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertCommit(ctx, Commit{SHA: "abc", AuthorID: "user-1", OrgID: "org-1"}); err != nil {
		t.Fatalf("UpsertCommit() returned error: %v", err)
	}
	if _, err := s.UpsertCommit(ctx, Commit{SHA: "abc", AuthorID: "", OrgID: "org-1"}); err != nil {
		t.Fatalf("UpsertCommit() returned error: %v", err)
	}

	commits, err := s.ListCommits(ctx, CommitFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("ListCommits() returned error: %v", err)
	}
	if commits[0].AuthorID != "user-1" {
		t.Fatalf("commit author = %q, want user-1", commits[0].AuthorID)
	}
}

func TestUpsertPullRequestTerminalStateSticky(t *testing.T) {
	t.Parallel()

	mergedAt := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	cycle := 10.0

	cases := []struct {
		name     string
		existing PullRequest
		incoming PullRequest
		want     PullRequest
	}{
		{
			name: "open redelivery cannot reopen a merged pr",
			existing: PullRequest{
				ExternalID: "pr-1", State: PullRequestMerged,
				MergedAt: &mergedAt, CycleTimeHours: &cycle,
			},
			incoming: PullRequest{ExternalID: "pr-1", State: PullRequestOpen},
			want: PullRequest{
				ExternalID: "pr-1", State: PullRequestMerged,
				MergedAt: &mergedAt, CycleTimeHours: &cycle,
			},
		},
		{
			name:     "merged overrides open",
			existing: PullRequest{ExternalID: "pr-1", State: PullRequestOpen, Title: "feat"},
			incoming: PullRequest{
				ExternalID: "pr-1", State: PullRequestMerged,
				MergedAt: &mergedAt, CycleTimeHours: &cycle,
			},
			want: PullRequest{
				ExternalID: "pr-1", State: PullRequestMerged, Title: "feat",
				MergedAt: &mergedAt, CycleTimeHours: &cycle,
			},
		},
		{
			name: "zero change-volume payload keeps stored deltas",
			existing: PullRequest{
				ExternalID: "pr-1", State: PullRequestOpen,
				Additions: 200, Deletions: 80, ChangedFiles: 7,
			},
			incoming: PullRequest{ExternalID: "pr-1", State: PullRequestClosed},
			want: PullRequest{
				ExternalID: "pr-1", State: PullRequestClosed,
				Additions: 200, Deletions: 80, ChangedFiles: 7,
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := NewMemoryStore()
			ctx := context.Background()
			if _, err := s.UpsertPullRequest(ctx, tc.existing); err != nil {
				t.Fatalf("UpsertPullRequest(existing) returned error: %v", err)
			}
			if _, err := s.UpsertPullRequest(ctx, tc.incoming); err != nil {
				t.Fatalf("UpsertPullRequest(incoming) returned error: %v", err)
			}

			got, ok, err := s.FindPullRequest(ctx, tc.want.ExternalID)
			if err != nil || !ok {
				t.Fatalf("FindPullRequest() = ok %v, err %v", ok, err)
			}
			if got.State != tc.want.State {
				t.Fatalf("state = %q, want %q", got.State, tc.want.State)
			}
			if got.Title != tc.want.Title {
				t.Fatalf("title = %q, want %q", got.Title, tc.want.Title)
			}
			if (got.MergedAt == nil) != (tc.want.MergedAt == nil) {
				t.Fatalf("mergedAt = %v, want %v", got.MergedAt, tc.want.MergedAt)
			}
			if (got.CycleTimeHours == nil) != (tc.want.CycleTimeHours == nil) {
				t.Fatalf("cycleTimeHours = %v, want %v", got.CycleTimeHours, tc.want.CycleTimeHours)
			}
			if got.Additions != tc.want.Additions || got.Deletions != tc.want.Deletions || got.ChangedFiles != tc.want.ChangedFiles {
				t.Fatalf("change volume = +%d -%d files %d, want +%d -%d files %d",
					got.Additions, got.Deletions, got.ChangedFiles,
					tc.want.Additions, tc.want.Deletions, tc.want.ChangedFiles)
			}
		})
	}
}

func TestUpsertIssueClosedStateSticky(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	closedAt := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	hours := 8.0

	if _, err := s.UpsertIssue(ctx, Issue{
		ExternalID: "issue-1", State: IssueClosed, ClosedAt: &closedAt, ResolutionHours: &hours,
	}); err != nil {
		t.Fatalf("UpsertIssue() returned error: %v", err)
	}
	if _, err := s.UpsertIssue(ctx, Issue{ExternalID: "issue-1", State: IssueOpen}); err != nil {
		t.Fatalf("UpsertIssue() returned error: %v", err)
	}

	issues, err := s.ListIssues(ctx, IssueFilter{})
	if err != nil {
		t.Fatalf("ListIssues() returned error: %v", err)
	}
	got := issues[0]
	if got.State != IssueClosed {
		t.Fatalf("issue state = %q, want closed", got.State)
	}
	if got.ClosedAt == nil || got.ResolutionHours == nil {
		t.Fatalf("issue lost terminal fields: closedAt %v resolutionHours %v", got.ClosedAt, got.ResolutionHours)
	}
}

func TestListCommitsFilters(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	day := Day("2024-03-15").Range()

	seed := []Commit{
		{SHA: "a", OrgID: "org-1", RepoID: "repo-1", AuthorID: "user-1", Timestamp: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)},
		{SHA: "b", OrgID: "org-1", RepoID: "repo-2", AuthorID: "user-2", Timestamp: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)},
		{SHA: "c", OrgID: "org-1", RepoID: "repo-1", AuthorID: "user-1", Timestamp: time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)},
		{SHA: "d", OrgID: "org-2", RepoID: "repo-3", AuthorID: "user-3", Timestamp: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)},
	}
	for _, commit := range seed {
		if _, err := s.UpsertCommit(ctx, commit); err != nil {
			t.Fatalf("UpsertCommit(%s) returned error: %v", commit.SHA, err)
		}
	}

	cases := []struct {
		name   string
		filter CommitFilter
		want   []string
	}{
		{"by org and day", CommitFilter{OrgID: "org-1", Within: &day}, []string{"a", "b"}},
		{"by repo", CommitFilter{RepoID: "repo-1"}, []string{"a", "c"}},
		{"by author and day", CommitFilter{AuthorID: "user-1", Within: &day}, []string{"a"}},
		{"unfiltered", CommitFilter{}, []string{"a", "d", "b", "c"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			commits, err := s.ListCommits(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListCommits() returned error: %v", err)
			}
			if len(commits) != len(tc.want) {
				t.Fatalf("ListCommits() returned %d commits, want %d", len(commits), len(tc.want))
			}
			for i, sha := range tc.want {
				if commits[i].SHA != sha {
					t.Fatalf("commit[%d] = %q, want %q", i, commits[i].SHA, sha)
				}
			}
		})
	}
}

func TestActiveUserIDs(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	inDay := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	outOfDay := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

	if _, err := s.UpsertCommit(ctx, Commit{SHA: "a", OrgID: "org-1", AuthorID: "user-2", Timestamp: inDay}); err != nil {
		t.Fatalf("UpsertCommit() returned error: %v", err)
	}
	if _, err := s.UpsertCommit(ctx, Commit{SHA: "b", OrgID: "org-1", AuthorID: "", Timestamp: inDay}); err != nil {
		t.Fatalf("UpsertCommit() returned error: %v", err)
	}
	if _, err := s.UpsertPullRequest(ctx, PullRequest{ExternalID: "pr-1", OrgID: "org-1", AuthorID: "user-1", CreatedAt: inDay}); err != nil {
		t.Fatalf("UpsertPullRequest() returned error: %v", err)
	}
	if _, err := s.UpsertCommit(ctx, Commit{SHA: "c", OrgID: "org-1", AuthorID: "user-3", Timestamp: outOfDay}); err != nil {
		t.Fatalf("UpsertCommit() returned error: %v", err)
	}

	ids, err := s.ActiveUserIDs(ctx, "org-1", Day("2024-03-15").Range())
	if err != nil {
		t.Fatalf("ActiveUserIDs() returned error: %v", err)
	}
	want := []string{"user-1", "user-2"}
	if len(ids) != len(want) {
		t.Fatalf("ActiveUserIDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ActiveUserIDs() = %v, want %v", ids, want)
		}
	}
}

func TestSnapshotUpsertOverwrites(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	day := Day("2024-03-15")

	if err := s.UpsertDeveloperSnapshot(ctx, DeveloperMetricSnapshot{UserID: "user-1", OrgID: "org-1", Day: day, Commits: 3}); err != nil {
		t.Fatalf("UpsertDeveloperSnapshot() returned error: %v", err)
	}
	if err := s.UpsertDeveloperSnapshot(ctx, DeveloperMetricSnapshot{UserID: "user-1", OrgID: "org-1", Day: day, Commits: 5}); err != nil {
		t.Fatalf("UpsertDeveloperSnapshot() returned error: %v", err)
	}

	snapshot, ok, err := s.FindDeveloperSnapshot(ctx, "user-1", day)
	if err != nil || !ok {
		t.Fatalf("FindDeveloperSnapshot() = ok %v, err %v", ok, err)
	}
	if snapshot.Commits != 5 {
		t.Fatalf("snapshot commits = %d, want 5", snapshot.Commits)
	}

	list, err := s.ListDeveloperSnapshots(ctx, "user-1", day, day)
	if err != nil {
		t.Fatalf("ListDeveloperSnapshots() returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListDeveloperSnapshots() returned %d rows, want 1", len(list))
	}
}

func TestListTeamSnapshotsWindow(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	for _, day := range []Day{"2024-03-10", "2024-03-12", "2024-03-15", "2024-03-20"} {
		if err := s.UpsertTeamSnapshot(ctx, TeamMetricSnapshot{OrgID: "org-1", Day: day, Commits: 1}); err != nil {
			t.Fatalf("UpsertTeamSnapshot(%s) returned error: %v", day, err)
		}
	}

	list, err := s.ListTeamSnapshots(ctx, "org-1", Day("2024-03-11"), Day("2024-03-15"))
	if err != nil {
		t.Fatalf("ListTeamSnapshots() returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListTeamSnapshots() returned %d rows, want 2", len(list))
	}
	if list[0].Day != Day("2024-03-12") || list[1].Day != Day("2024-03-15") {
		t.Fatalf("ListTeamSnapshots() days = %s, %s, want 2024-03-12, 2024-03-15", list[0].Day, list[1].Day)
	}
}

func TestFindRepositoryByExternalID(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.UpsertRepository(ctx, Repository{ID: "repo-1", ExternalID: "ext-42", OrgID: "org-1", Name: "api"}); err != nil {
		t.Fatalf("UpsertRepository() returned error: %v", err)
	}

	repo, ok, err := s.FindRepositoryByExternalID(ctx, "ext-42")
	if err != nil || !ok {
		t.Fatalf("FindRepositoryByExternalID() = ok %v, err %v", ok, err)
	}
	if repo.ID != "repo-1" {
		t.Fatalf("repository id = %q, want repo-1", repo.ID)
	}

	if _, ok, err := s.FindRepositoryByExternalID(ctx, "ext-missing"); err != nil || ok {
		t.Fatalf("FindRepositoryByExternalID(missing) = ok %v, err %v, want false, nil", ok, err)
	}
}

func TestFindUserByEmailCaseInsensitive(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.UpsertUser(ctx, User{ID: "user-1", OrgID: "org-1", Email: "Dev@Example.com", DisplayName: "Dev"}); err != nil {
		t.Fatalf("UpsertUser() returned error: %v", err)
	}

	user, ok, err := s.FindUserByEmail(ctx, "org-1", "dev@example.com")
	if err != nil || !ok {
		t.Fatalf("FindUserByEmail() = ok %v, err %v", ok, err)
	}
	if user.ID != "user-1" {
		t.Fatalf("user id = %q, want user-1", user.ID)
	}

	if _, ok, _ := s.FindUserByEmail(ctx, "org-2", "dev@example.com"); ok {
		t.Fatal("FindUserByEmail() matched across organizations")
	}
}
