package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/store"
)

type engineStore interface {
	ListCommits(ctx context.Context, filter store.CommitFilter) ([]store.Commit, error)
	ListPullRequests(ctx context.Context, filter store.PullRequestFilter) ([]store.PullRequest, error)
	CountPullRequests(ctx context.Context, filter store.PullRequestFilter) (int, error)
	ListIssues(ctx context.Context, filter store.IssueFilter) ([]store.Issue, error)
	CountIssues(ctx context.Context, filter store.IssueFilter) (int, error)
	ActiveUserIDs(ctx context.Context, orgID string, within store.TimeRange) ([]string, error)
	ListRepositories(ctx context.Context, orgID string) ([]store.Repository, error)

	UpsertDeveloperSnapshot(ctx context.Context, snapshot store.DeveloperMetricSnapshot) error
	FindDeveloperSnapshot(ctx context.Context, userID string, day store.Day) (store.DeveloperMetricSnapshot, bool, error)
	UpsertTeamSnapshot(ctx context.Context, snapshot store.TeamMetricSnapshot) error
	FindTeamSnapshot(ctx context.Context, orgID string, day store.Day) (store.TeamMetricSnapshot, bool, error)
	UpsertRepositorySnapshot(ctx context.Context, snapshot store.RepositoryMetricSnapshot) error
	FindRepositorySnapshot(ctx context.Context, repoID string, day store.Day) (store.RepositoryMetricSnapshot, bool, error)
}

// Engine computes daily aggregates over canonical records and writes them as
// snapshot rows. Every write is an idempotent upsert keyed by (entity, day),
// so recomputation of the same day is always safe.
type Engine struct {
	store  engineStore
	logger *zap.Logger
}

// NewEngine creates a calculation engine.
func NewEngine(s engineStore, logger ...*zap.Logger) *Engine {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	return &Engine{store: s, logger: log}
}

// CalculateDeveloperDay recomputes and stores the (user, day) snapshot.
func (e *Engine) CalculateDeveloperDay(ctx context.Context, userID, orgID string, day store.Day) (store.DeveloperMetricSnapshot, error) {
	window := day.Range()

	commits, err := e.store.ListCommits(ctx, store.CommitFilter{AuthorID: userID, OrgID: orgID, Within: &window})
	if err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("list commits: %w", err)
	}
	opened, err := e.store.ListPullRequests(ctx, store.PullRequestFilter{AuthorID: userID, OrgID: orgID, CreatedWithin: &window})
	if err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("list opened pull requests: %w", err)
	}
	merged, err := e.store.CountPullRequests(ctx, store.PullRequestFilter{AuthorID: userID, OrgID: orgID, MergedWithin: &window})
	if err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("count merged pull requests: %w", err)
	}
	closed, err := e.store.CountPullRequests(ctx, store.PullRequestFilter{AuthorID: userID, OrgID: orgID, State: store.PullRequestClosed, ClosedWithin: &window})
	if err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("count closed pull requests: %w", err)
	}
	issuesOpened, err := e.store.CountIssues(ctx, store.IssueFilter{AuthorID: userID, OrgID: orgID, CreatedWithin: &window})
	if err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("count opened issues: %w", err)
	}
	resolved, err := e.store.ListIssues(ctx, store.IssueFilter{AuthorID: userID, OrgID: orgID, ClosedWithin: &window})
	if err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("list resolved issues: %w", err)
	}

	snapshot := store.DeveloperMetricSnapshot{
		UserID:       userID,
		OrgID:        orgID,
		Day:          day,
		Commits:      len(commits),
		PRsOpened:    len(opened),
		PRsMerged:    merged,
		PRsClosed:    closed,
		IssuesOpened: issuesOpened,
	}

	var clockMinutes int
	for _, commit := range commits {
		snapshot.LinesAdded += commit.Additions
		snapshot.LinesDeleted += commit.Deletions
		at := commit.Timestamp.UTC()
		if at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
			snapshot.WeekendCommits++
		}
		if at.Hour() >= 22 || at.Hour() < 6 {
			snapshot.LateNightCommits++
		}
		clockMinutes += at.Hour()*60 + at.Minute()
	}
	if len(commits) > 0 {
		mean := clockMinutes / len(commits)
		snapshot.AvgCommitClock = fmt.Sprintf("%02d:%02d", mean/60, mean%60)
	}

	if len(opened) > 0 {
		total := 0
		for _, pr := range opened {
			total += pr.Additions + pr.Deletions
		}
		snapshot.AvgPRSize = float64(total) / float64(len(opened))
	}

	var resolutionHours float64
	resolvedWithHours := 0
	for _, issue := range resolved {
		if issue.ResolutionHours != nil {
			resolutionHours += *issue.ResolutionHours
			resolvedWithHours++
		}
	}
	snapshot.IssuesResolved = len(resolved)
	if resolvedWithHours > 0 {
		snapshot.AvgResolutionHours = math.Round(resolutionHours / float64(resolvedWithHours))
	}

	if err := e.store.UpsertDeveloperSnapshot(ctx, snapshot); err != nil {
		return store.DeveloperMetricSnapshot{}, fmt.Errorf("upsert developer snapshot: %w", err)
	}
	return snapshot, nil
}

// CalculateTeamDay recomputes and stores the (organization, day) snapshot.
func (e *Engine) CalculateTeamDay(ctx context.Context, orgID string, day store.Day) (store.TeamMetricSnapshot, error) {
	window := day.Range()

	commits, err := e.store.ListCommits(ctx, store.CommitFilter{OrgID: orgID, Within: &window})
	if err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("list commits: %w", err)
	}
	opened, err := e.store.CountPullRequests(ctx, store.PullRequestFilter{OrgID: orgID, CreatedWithin: &window})
	if err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("count opened pull requests: %w", err)
	}
	mergedPRs, err := e.store.ListPullRequests(ctx, store.PullRequestFilter{OrgID: orgID, MergedWithin: &window})
	if err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("list merged pull requests: %w", err)
	}
	issuesClosed, err := e.store.CountIssues(ctx, store.IssueFilter{OrgID: orgID, ClosedWithin: &window})
	if err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("count closed issues: %w", err)
	}
	openPRs, err := e.store.CountPullRequests(ctx, store.PullRequestFilter{OrgID: orgID, State: store.PullRequestOpen})
	if err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("count open pull requests: %w", err)
	}
	openIssues, err := e.store.CountIssues(ctx, store.IssueFilter{OrgID: orgID, State: store.IssueOpen})
	if err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("count open issues: %w", err)
	}

	// Active contributors are distinct committers on the day. Users whose only
	// activity is a pull request or an issue do not count.
	committers := make(map[string]struct{}, len(commits))
	for _, commit := range commits {
		if commit.AuthorID != "" {
			committers[commit.AuthorID] = struct{}{}
		}
	}

	snapshot := store.TeamMetricSnapshot{
		OrgID:              orgID,
		Day:                day,
		Commits:            len(commits),
		PRsOpened:          opened,
		IssuesClosed:       issuesClosed,
		Velocity:           len(mergedPRs),
		ActiveContributors: len(committers),
		OpenPRs:            openPRs,
		OpenIssues:         openIssues,
	}

	var cycleHours float64
	mergedWithCycle := 0
	for _, pr := range mergedPRs {
		if pr.CycleTimeHours != nil {
			cycleHours += *pr.CycleTimeHours
			mergedWithCycle++
		}
	}
	if mergedWithCycle > 0 {
		snapshot.AvgCycleTimeHours = cycleHours / float64(mergedWithCycle)
	}

	if err := e.store.UpsertTeamSnapshot(ctx, snapshot); err != nil {
		return store.TeamMetricSnapshot{}, fmt.Errorf("upsert team snapshot: %w", err)
	}
	return snapshot, nil
}

// CalculateRepositoryDay recomputes and stores the (repository, day) snapshot.
func (e *Engine) CalculateRepositoryDay(ctx context.Context, repoID, orgID string, day store.Day) (store.RepositoryMetricSnapshot, error) {
	window := day.Range()

	commits, err := e.store.ListCommits(ctx, store.CommitFilter{RepoID: repoID, Within: &window})
	if err != nil {
		return store.RepositoryMetricSnapshot{}, fmt.Errorf("list commits: %w", err)
	}
	prsOpened, err := e.store.ListPullRequests(ctx, store.PullRequestFilter{RepoID: repoID, CreatedWithin: &window})
	if err != nil {
		return store.RepositoryMetricSnapshot{}, fmt.Errorf("list opened pull requests: %w", err)
	}
	issuesOpened, err := e.store.CountIssues(ctx, store.IssueFilter{RepoID: repoID, CreatedWithin: &window})
	if err != nil {
		return store.RepositoryMetricSnapshot{}, fmt.Errorf("count opened issues: %w", err)
	}

	snapshot := store.RepositoryMetricSnapshot{
		RepoID:       repoID,
		OrgID:        orgID,
		Day:          day,
		Commits:      len(commits),
		PRsOpened:    len(prsOpened),
		IssuesOpened: issuesOpened,
	}

	byAuthor := make(map[string]int)
	for _, commit := range commits {
		snapshot.LinesAdded += commit.Additions
		snapshot.LinesDeleted += commit.Deletions
		if commit.AuthorID != "" {
			byAuthor[commit.AuthorID]++
		}
	}
	snapshot.UniqueContributors = len(byAuthor)
	snapshot.TopContributorID = topContributor(byAuthor)

	for _, pr := range prsOpened {
		snapshot.FilesChanged += pr.ChangedFiles
	}

	if err := e.store.UpsertRepositorySnapshot(ctx, snapshot); err != nil {
		return store.RepositoryMetricSnapshot{}, fmt.Errorf("upsert repository snapshot: %w", err)
	}
	return snapshot, nil
}

// Incremental recomputes the snapshots touched by a single event: the
// repository's day, the author's day when resolved, and the organization's
// day.
func (e *Engine) Incremental(ctx context.Context, job JobPayload) error {
	day, err := store.ParseDay(job.Date)
	if err != nil {
		return fmt.Errorf("parse job date: %w", err)
	}

	if job.RepositoryID != "" {
		if _, err := e.CalculateRepositoryDay(ctx, job.RepositoryID, job.OrganizationID, day); err != nil {
			return fmt.Errorf("repository %s: %w", job.RepositoryID, err)
		}
	}
	if job.UserID != "" {
		if _, err := e.CalculateDeveloperDay(ctx, job.UserID, job.OrganizationID, day); err != nil {
			return fmt.Errorf("developer %s: %w", job.UserID, err)
		}
	}
	if _, err := e.CalculateTeamDay(ctx, job.OrganizationID, day); err != nil {
		return fmt.Errorf("team %s: %w", job.OrganizationID, err)
	}
	return nil
}

// Batch recomputes an organization's snapshots for every day in [from, to].
// Without recalculate, days that already have a snapshot are skipped.
// Per-day failures are collected and the range continues.
func (e *Engine) Batch(ctx context.Context, orgID string, from, to store.Day, recalculate bool) error {
	var errs []error
	for day := from; day <= to; day = day.Next() {
		if err := e.calculateDay(ctx, orgID, day, recalculate); err != nil {
			e.logger.Warn("batch day failed",
				zap.String("org", orgID),
				zap.String("day", string(day)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("day %s: %w", day, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) calculateDay(ctx context.Context, orgID string, day store.Day, recalculate bool) error {
	window := day.Range()
	var errs []error

	repos, err := e.store.ListRepositories(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	for _, repo := range repos {
		if !recalculate {
			if _, exists, err := e.store.FindRepositorySnapshot(ctx, repo.ID, day); err != nil {
				errs = append(errs, fmt.Errorf("find repository snapshot %s: %w", repo.ID, err))
				continue
			} else if exists {
				continue
			}
		}
		if _, err := e.CalculateRepositoryDay(ctx, repo.ID, orgID, day); err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", repo.ID, err))
		}
	}

	active, err := e.store.ActiveUserIDs(ctx, orgID, window)
	if err != nil {
		errs = append(errs, fmt.Errorf("list active users: %w", err))
	}
	for _, userID := range active {
		if !recalculate {
			if _, exists, err := e.store.FindDeveloperSnapshot(ctx, userID, day); err != nil {
				errs = append(errs, fmt.Errorf("find developer snapshot %s: %w", userID, err))
				continue
			} else if exists {
				continue
			}
		}
		if _, err := e.CalculateDeveloperDay(ctx, userID, orgID, day); err != nil {
			errs = append(errs, fmt.Errorf("developer %s: %w", userID, err))
		}
	}

	skipTeam := false
	if !recalculate {
		if _, exists, err := e.store.FindTeamSnapshot(ctx, orgID, day); err != nil {
			errs = append(errs, fmt.Errorf("find team snapshot: %w", err))
		} else if exists {
			skipTeam = true
		}
	}
	if !skipTeam {
		if _, err := e.CalculateTeamDay(ctx, orgID, day); err != nil {
			errs = append(errs, fmt.Errorf("team: %w", err))
		}
	}

	return errors.Join(errs...)
}

func topContributor(byAuthor map[string]int) string {
	top := ""
	best := 0
	for id, count := range byAuthor {
		if count > best || (count == best && (top == "" || id < top)) {
			top = id
			best = count
		}
	}
	return top
}
