package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store. Schema and migrations are owned by
// the external migration tooling; this adapter only reads and upserts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// UpsertOrganization inserts or replaces an organization by id.
func (s *PostgresStore) UpsertOrganization(ctx context.Context, org Organization) error {
	query := `
		INSERT INTO organizations (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`
	if _, err := s.pool.Exec(ctx, query, org.ID, org.Name); err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

// ListOrganizations returns all organizations sorted by id.
func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var result []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		result = append(result, org)
	}
	return result, rows.Err()
}

// UpsertRepository inserts or replaces a repository by id.
func (s *PostgresStore) UpsertRepository(ctx context.Context, repo Repository) error {
	query := `
		INSERT INTO repositories (id, external_id, org_id, name, webhook_secret)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			org_id = EXCLUDED.org_id,
			name = EXCLUDED.name,
			webhook_secret = EXCLUDED.webhook_secret
	`
	if _, err := s.pool.Exec(ctx, query, repo.ID, repo.ExternalID, repo.OrgID, repo.Name, repo.WebhookSecret); err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// FindRepositoryByExternalID looks up a repository by its provider-side id.
func (s *PostgresStore) FindRepositoryByExternalID(ctx context.Context, externalID string) (Repository, bool, error) {
	query := `SELECT id, external_id, org_id, name, webhook_secret FROM repositories WHERE external_id = $1`
	var repo Repository
	err := s.pool.QueryRow(ctx, query, externalID).Scan(&repo.ID, &repo.ExternalID, &repo.OrgID, &repo.Name, &repo.WebhookSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return Repository{}, false, nil
	}
	if err != nil {
		return Repository{}, false, fmt.Errorf("find repository: %w", err)
	}
	return repo, true, nil
}

// ListRepositories returns an organization's repositories sorted by id.
func (s *PostgresStore) ListRepositories(ctx context.Context, orgID string) ([]Repository, error) {
	query := `SELECT id, external_id, org_id, name, webhook_secret FROM repositories WHERE $1 = '' OR org_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var result []Repository
	for rows.Next() {
		var repo Repository
		if err := rows.Scan(&repo.ID, &repo.ExternalID, &repo.OrgID, &repo.Name, &repo.WebhookSecret); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}

// UpsertUser inserts or replaces a user by id.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	query := `
		INSERT INTO users (id, org_id, email, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name
	`
	if _, err := s.pool.Exec(ctx, query, user.ID, user.OrgID, user.Email, user.DisplayName); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// FindUser looks up a user by id.
func (s *PostgresStore) FindUser(ctx context.Context, id string) (User, bool, error) {
	var user User
	err := s.pool.QueryRow(ctx, `SELECT id, org_id, email, display_name FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.OrgID, &user.Email, &user.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("find user: %w", err)
	}
	return user, true, nil
}

// FindUserByEmail looks up a user by exact email match inside an organization.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, orgID, email string) (User, bool, error) {
	if email == "" {
		return User{}, false, nil
	}
	query := `SELECT id, org_id, email, display_name FROM users WHERE org_id = $1 AND lower(email) = lower($2)`
	var user User
	err := s.pool.QueryRow(ctx, query, orgID, email).Scan(&user.ID, &user.OrgID, &user.Email, &user.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("find user by email: %w", err)
	}
	return user, true, nil
}

// ListUsers returns an organization's users sorted by id.
func (s *PostgresStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	query := `SELECT id, org_id, email, display_name FROM users WHERE $1 = '' OR org_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.OrgID, &user.Email, &user.DisplayName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

// UpsertCommit inserts or replaces a commit by SHA. The bool reports creation.
func (s *PostgresStore) UpsertCommit(ctx context.Context, commit Commit) (bool, error) {
	query := `
		INSERT INTO commits (sha, repo_id, org_id, author_id, message, committed_at, additions, deletions, files_touched)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sha) DO UPDATE SET
			repo_id = EXCLUDED.repo_id,
			org_id = EXCLUDED.org_id,
			author_id = CASE WHEN EXCLUDED.author_id = '' THEN commits.author_id ELSE EXCLUDED.author_id END,
			message = EXCLUDED.message,
			committed_at = EXCLUDED.committed_at,
			additions = EXCLUDED.additions,
			deletions = EXCLUDED.deletions,
			files_touched = EXCLUDED.files_touched
		RETURNING (xmax = 0)
	`
	var created bool
	err := s.pool.QueryRow(ctx, query,
		commit.SHA, commit.RepoID, commit.OrgID, commit.AuthorID,
		commit.Message, commit.Timestamp, commit.Additions, commit.Deletions, commit.FilesTouched,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert commit: %w", err)
	}
	return created, nil
}

// ListCommits returns commits matching the filter sorted by timestamp.
func (s *PostgresStore) ListCommits(ctx context.Context, filter CommitFilter) ([]Commit, error) {
	where, args := buildWhere([]condition{
		{"org_id = $%d", filter.OrgID != "", filter.OrgID},
		{"repo_id = $%d", filter.RepoID != "", filter.RepoID},
		{"author_id = $%d", filter.AuthorID != "", filter.AuthorID},
	})
	where, args = appendRange(where, args, "committed_at", filter.Within)

	query := `SELECT sha, repo_id, org_id, author_id, message, committed_at, additions, deletions, files_touched FROM commits` +
		where + ` ORDER BY committed_at, sha`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var result []Commit
	for rows.Next() {
		var commit Commit
		if err := rows.Scan(&commit.SHA, &commit.RepoID, &commit.OrgID, &commit.AuthorID,
			&commit.Message, &commit.Timestamp, &commit.Additions, &commit.Deletions, &commit.FilesTouched); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		result = append(result, commit)
	}
	return result, rows.Err()
}

// UpsertPullRequest inserts or merges a pull request by external id. The
// conflict clause keeps terminal state and populated terminal fields so a
// weaker payload cannot erase them.
func (s *PostgresStore) UpsertPullRequest(ctx context.Context, pr PullRequest) (bool, error) {
	query := `
		INSERT INTO pull_requests (external_id, repo_id, org_id, author_id, number, title, state,
			created_at, merged_at, closed_at, additions, deletions, changed_files, cycle_time_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO UPDATE SET
			author_id = CASE WHEN EXCLUDED.author_id = '' THEN pull_requests.author_id ELSE EXCLUDED.author_id END,
			title = CASE WHEN EXCLUDED.title = '' THEN pull_requests.title ELSE EXCLUDED.title END,
			state = CASE
				WHEN pull_requests.state IN ('merged', 'closed') AND EXCLUDED.state = 'open' THEN pull_requests.state
				ELSE EXCLUDED.state
			END,
			merged_at = COALESCE(EXCLUDED.merged_at, pull_requests.merged_at),
			closed_at = COALESCE(EXCLUDED.closed_at, pull_requests.closed_at),
			additions = CASE
				WHEN EXCLUDED.additions = 0 AND EXCLUDED.deletions = 0 AND EXCLUDED.changed_files = 0
				THEN pull_requests.additions ELSE EXCLUDED.additions END,
			deletions = CASE
				WHEN EXCLUDED.additions = 0 AND EXCLUDED.deletions = 0 AND EXCLUDED.changed_files = 0
				THEN pull_requests.deletions ELSE EXCLUDED.deletions END,
			changed_files = CASE
				WHEN EXCLUDED.additions = 0 AND EXCLUDED.deletions = 0 AND EXCLUDED.changed_files = 0
				THEN pull_requests.changed_files ELSE EXCLUDED.changed_files END,
			cycle_time_hours = COALESCE(EXCLUDED.cycle_time_hours, pull_requests.cycle_time_hours)
		RETURNING (xmax = 0)
	`
	var created bool
	err := s.pool.QueryRow(ctx, query,
		pr.ExternalID, pr.RepoID, pr.OrgID, pr.AuthorID, pr.Number, pr.Title, pr.State,
		pr.CreatedAt, pr.MergedAt, pr.ClosedAt, pr.Additions, pr.Deletions, pr.ChangedFiles, pr.CycleTimeHours,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert pull request: %w", err)
	}
	return created, nil
}

// FindPullRequest looks up a pull request by external id.
func (s *PostgresStore) FindPullRequest(ctx context.Context, externalID string) (PullRequest, bool, error) {
	query := `
		SELECT external_id, repo_id, org_id, author_id, number, title, state,
			created_at, merged_at, closed_at, additions, deletions, changed_files, cycle_time_hours
		FROM pull_requests WHERE external_id = $1
	`
	var pr PullRequest
	err := s.pool.QueryRow(ctx, query, externalID).Scan(
		&pr.ExternalID, &pr.RepoID, &pr.OrgID, &pr.AuthorID, &pr.Number, &pr.Title, &pr.State,
		&pr.CreatedAt, &pr.MergedAt, &pr.ClosedAt, &pr.Additions, &pr.Deletions, &pr.ChangedFiles, &pr.CycleTimeHours,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return PullRequest{}, false, nil
	}
	if err != nil {
		return PullRequest{}, false, fmt.Errorf("find pull request: %w", err)
	}
	return pr, true, nil
}

// ListPullRequests returns pull requests matching the filter sorted by creation time.
func (s *PostgresStore) ListPullRequests(ctx context.Context, filter PullRequestFilter) ([]PullRequest, error) {
	where, args := pullRequestWhere(filter)
	query := `
		SELECT external_id, repo_id, org_id, author_id, number, title, state,
			created_at, merged_at, closed_at, additions, deletions, changed_files, cycle_time_hours
		FROM pull_requests` + where + ` ORDER BY created_at, external_id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	var result []PullRequest
	for rows.Next() {
		var pr PullRequest
		if err := rows.Scan(&pr.ExternalID, &pr.RepoID, &pr.OrgID, &pr.AuthorID, &pr.Number, &pr.Title, &pr.State,
			&pr.CreatedAt, &pr.MergedAt, &pr.ClosedAt, &pr.Additions, &pr.Deletions, &pr.ChangedFiles, &pr.CycleTimeHours); err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

// CountPullRequests counts pull requests matching the filter.
func (s *PostgresStore) CountPullRequests(ctx context.Context, filter PullRequestFilter) (int, error) {
	where, args := pullRequestWhere(filter)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pull_requests`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pull requests: %w", err)
	}
	return count, nil
}

// UpsertIssue inserts or merges an issue by external id.
func (s *PostgresStore) UpsertIssue(ctx context.Context, issue Issue) (bool, error) {
	query := `
		INSERT INTO issues (external_id, repo_id, org_id, author_id, number, title, state,
			created_at, closed_at, resolution_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO UPDATE SET
			author_id = CASE WHEN EXCLUDED.author_id = '' THEN issues.author_id ELSE EXCLUDED.author_id END,
			title = CASE WHEN EXCLUDED.title = '' THEN issues.title ELSE EXCLUDED.title END,
			state = CASE
				WHEN issues.state = 'closed' AND EXCLUDED.state = 'open' THEN issues.state
				ELSE EXCLUDED.state
			END,
			closed_at = COALESCE(EXCLUDED.closed_at, issues.closed_at),
			resolution_hours = COALESCE(EXCLUDED.resolution_hours, issues.resolution_hours)
		RETURNING (xmax = 0)
	`
	var created bool
	err := s.pool.QueryRow(ctx, query,
		issue.ExternalID, issue.RepoID, issue.OrgID, issue.AuthorID, issue.Number, issue.Title, issue.State,
		issue.CreatedAt, issue.ClosedAt, issue.ResolutionHours,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert issue: %w", err)
	}
	return created, nil
}

// ListIssues returns issues matching the filter sorted by creation time.
func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error) {
	where, args := issueWhere(filter)
	query := `
		SELECT external_id, repo_id, org_id, author_id, number, title, state, created_at, closed_at, resolution_hours
		FROM issues` + where + ` ORDER BY created_at, external_id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var result []Issue
	for rows.Next() {
		var issue Issue
		if err := rows.Scan(&issue.ExternalID, &issue.RepoID, &issue.OrgID, &issue.AuthorID, &issue.Number,
			&issue.Title, &issue.State, &issue.CreatedAt, &issue.ClosedAt, &issue.ResolutionHours); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		result = append(result, issue)
	}
	return result, rows.Err()
}

// CountIssues counts issues matching the filter.
func (s *PostgresStore) CountIssues(ctx context.Context, filter IssueFilter) (int, error) {
	where, args := issueWhere(filter)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM issues`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return count, nil
}

// ActiveUserIDs returns the distinct users with a commit or an opened pull
// request inside the window, sorted by id.
func (s *PostgresStore) ActiveUserIDs(ctx context.Context, orgID string, within TimeRange) ([]string, error) {
	query := `
		SELECT author_id FROM commits
		WHERE org_id = $1 AND author_id <> '' AND committed_at >= $2 AND committed_at < $3
		UNION
		SELECT author_id FROM pull_requests
		WHERE org_id = $1 AND author_id <> '' AND created_at >= $2 AND created_at < $3
		ORDER BY author_id
	`
	rows, err := s.pool.Query(ctx, query, orgID, within.From, within.To)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// UpsertDeveloperSnapshot overwrites the (user, day) snapshot row.
func (s *PostgresStore) UpsertDeveloperSnapshot(ctx context.Context, snapshot DeveloperMetricSnapshot) error {
	query := `
		INSERT INTO developer_metric_snapshots (user_id, org_id, day, commits, lines_added, lines_deleted,
			prs_opened, prs_merged, prs_closed, avg_pr_size, issues_opened, issues_resolved,
			avg_resolution_hours, weekend_commits, late_night_commits, avg_commit_clock)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (user_id, day) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			commits = EXCLUDED.commits,
			lines_added = EXCLUDED.lines_added,
			lines_deleted = EXCLUDED.lines_deleted,
			prs_opened = EXCLUDED.prs_opened,
			prs_merged = EXCLUDED.prs_merged,
			prs_closed = EXCLUDED.prs_closed,
			avg_pr_size = EXCLUDED.avg_pr_size,
			issues_opened = EXCLUDED.issues_opened,
			issues_resolved = EXCLUDED.issues_resolved,
			avg_resolution_hours = EXCLUDED.avg_resolution_hours,
			weekend_commits = EXCLUDED.weekend_commits,
			late_night_commits = EXCLUDED.late_night_commits,
			avg_commit_clock = EXCLUDED.avg_commit_clock
	`
	if _, err := s.pool.Exec(ctx, query,
		snapshot.UserID, snapshot.OrgID, string(snapshot.Day), snapshot.Commits, snapshot.LinesAdded, snapshot.LinesDeleted,
		snapshot.PRsOpened, snapshot.PRsMerged, snapshot.PRsClosed, snapshot.AvgPRSize, snapshot.IssuesOpened,
		snapshot.IssuesResolved, snapshot.AvgResolutionHours, snapshot.WeekendCommits, snapshot.LateNightCommits,
		snapshot.AvgCommitClock,
	); err != nil {
		return fmt.Errorf("upsert developer snapshot: %w", err)
	}
	return nil
}

// FindDeveloperSnapshot looks up the (user, day) snapshot row.
func (s *PostgresStore) FindDeveloperSnapshot(ctx context.Context, userID string, day Day) (DeveloperMetricSnapshot, bool, error) {
	query := developerSnapshotSelect + ` WHERE user_id = $1 AND day = $2`
	snapshot, err := scanDeveloperSnapshot(s.pool.QueryRow(ctx, query, userID, string(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return DeveloperMetricSnapshot{}, false, nil
	}
	if err != nil {
		return DeveloperMetricSnapshot{}, false, fmt.Errorf("find developer snapshot: %w", err)
	}
	return snapshot, true, nil
}

// ListDeveloperSnapshots returns a user's snapshots for days in [from, to], sorted by day.
func (s *PostgresStore) ListDeveloperSnapshots(ctx context.Context, userID string, from, to Day) ([]DeveloperMetricSnapshot, error) {
	query := developerSnapshotSelect + ` WHERE user_id = $1 AND day >= $2 AND day <= $3 ORDER BY day`
	rows, err := s.pool.Query(ctx, query, userID, string(from), string(to))
	if err != nil {
		return nil, fmt.Errorf("list developer snapshots: %w", err)
	}
	defer rows.Close()

	var result []DeveloperMetricSnapshot
	for rows.Next() {
		snapshot, err := scanDeveloperSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan developer snapshot: %w", err)
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}

// UpsertTeamSnapshot overwrites the (organization, day) snapshot row.
func (s *PostgresStore) UpsertTeamSnapshot(ctx context.Context, snapshot TeamMetricSnapshot) error {
	query := `
		INSERT INTO team_metric_snapshots (org_id, day, commits, prs_opened, issues_closed, velocity,
			avg_cycle_time_hours, active_contributors, open_prs, open_issues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (org_id, day) DO UPDATE SET
			commits = EXCLUDED.commits,
			prs_opened = EXCLUDED.prs_opened,
			issues_closed = EXCLUDED.issues_closed,
			velocity = EXCLUDED.velocity,
			avg_cycle_time_hours = EXCLUDED.avg_cycle_time_hours,
			active_contributors = EXCLUDED.active_contributors,
			open_prs = EXCLUDED.open_prs,
			open_issues = EXCLUDED.open_issues
	`
	if _, err := s.pool.Exec(ctx, query,
		snapshot.OrgID, string(snapshot.Day), snapshot.Commits, snapshot.PRsOpened, snapshot.IssuesClosed,
		snapshot.Velocity, snapshot.AvgCycleTimeHours, snapshot.ActiveContributors, snapshot.OpenPRs, snapshot.OpenIssues,
	); err != nil {
		return fmt.Errorf("upsert team snapshot: %w", err)
	}
	return nil
}

// FindTeamSnapshot looks up the (organization, day) snapshot row.
func (s *PostgresStore) FindTeamSnapshot(ctx context.Context, orgID string, day Day) (TeamMetricSnapshot, bool, error) {
	query := teamSnapshotSelect + ` WHERE org_id = $1 AND day = $2`
	snapshot, err := scanTeamSnapshot(s.pool.QueryRow(ctx, query, orgID, string(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return TeamMetricSnapshot{}, false, nil
	}
	if err != nil {
		return TeamMetricSnapshot{}, false, fmt.Errorf("find team snapshot: %w", err)
	}
	return snapshot, true, nil
}

// ListTeamSnapshots returns an organization's snapshots for days in [from, to], sorted by day.
func (s *PostgresStore) ListTeamSnapshots(ctx context.Context, orgID string, from, to Day) ([]TeamMetricSnapshot, error) {
	query := teamSnapshotSelect + ` WHERE org_id = $1 AND day >= $2 AND day <= $3 ORDER BY day`
	rows, err := s.pool.Query(ctx, query, orgID, string(from), string(to))
	if err != nil {
		return nil, fmt.Errorf("list team snapshots: %w", err)
	}
	defer rows.Close()

	var result []TeamMetricSnapshot
	for rows.Next() {
		snapshot, err := scanTeamSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team snapshot: %w", err)
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}

// UpsertRepositorySnapshot overwrites the (repository, day) snapshot row.
func (s *PostgresStore) UpsertRepositorySnapshot(ctx context.Context, snapshot RepositoryMetricSnapshot) error {
	query := `
		INSERT INTO repository_metric_snapshots (repo_id, org_id, day, commits, prs_opened, issues_opened,
			unique_contributors, top_contributor_id, lines_added, lines_deleted, files_changed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (repo_id, day) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			commits = EXCLUDED.commits,
			prs_opened = EXCLUDED.prs_opened,
			issues_opened = EXCLUDED.issues_opened,
			unique_contributors = EXCLUDED.unique_contributors,
			top_contributor_id = EXCLUDED.top_contributor_id,
			lines_added = EXCLUDED.lines_added,
			lines_deleted = EXCLUDED.lines_deleted,
			files_changed = EXCLUDED.files_changed
	`
	if _, err := s.pool.Exec(ctx, query,
		snapshot.RepoID, snapshot.OrgID, string(snapshot.Day), snapshot.Commits, snapshot.PRsOpened,
		snapshot.IssuesOpened, snapshot.UniqueContributors, snapshot.TopContributorID,
		snapshot.LinesAdded, snapshot.LinesDeleted, snapshot.FilesChanged,
	); err != nil {
		return fmt.Errorf("upsert repository snapshot: %w", err)
	}
	return nil
}

// FindRepositorySnapshot looks up the (repository, day) snapshot row.
func (s *PostgresStore) FindRepositorySnapshot(ctx context.Context, repoID string, day Day) (RepositoryMetricSnapshot, bool, error) {
	query := repositorySnapshotSelect + ` WHERE repo_id = $1 AND day = $2`
	snapshot, err := scanRepositorySnapshot(s.pool.QueryRow(ctx, query, repoID, string(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return RepositoryMetricSnapshot{}, false, nil
	}
	if err != nil {
		return RepositoryMetricSnapshot{}, false, fmt.Errorf("find repository snapshot: %w", err)
	}
	return snapshot, true, nil
}

// ListRepositorySnapshots returns a repository's snapshots for days in [from, to], sorted by day.
func (s *PostgresStore) ListRepositorySnapshots(ctx context.Context, repoID string, from, to Day) ([]RepositoryMetricSnapshot, error) {
	query := repositorySnapshotSelect + ` WHERE repo_id = $1 AND day >= $2 AND day <= $3 ORDER BY day`
	rows, err := s.pool.Query(ctx, query, repoID, string(from), string(to))
	if err != nil {
		return nil, fmt.Errorf("list repository snapshots: %w", err)
	}
	defer rows.Close()

	var result []RepositoryMetricSnapshot
	for rows.Next() {
		snapshot, err := scanRepositorySnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository snapshot: %w", err)
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}

const developerSnapshotSelect = `
	SELECT user_id, org_id, day, commits, lines_added, lines_deleted, prs_opened, prs_merged, prs_closed,
		avg_pr_size, issues_opened, issues_resolved, avg_resolution_hours, weekend_commits,
		late_night_commits, avg_commit_clock
	FROM developer_metric_snapshots`

const teamSnapshotSelect = `
	SELECT org_id, day, commits, prs_opened, issues_closed, velocity, avg_cycle_time_hours,
		active_contributors, open_prs, open_issues
	FROM team_metric_snapshots`

const repositorySnapshotSelect = `
	SELECT repo_id, org_id, day, commits, prs_opened, issues_opened, unique_contributors,
		top_contributor_id, lines_added, lines_deleted, files_changed
	FROM repository_metric_snapshots`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeveloperSnapshot(row rowScanner) (DeveloperMetricSnapshot, error) {
	var snapshot DeveloperMetricSnapshot
	var day string
	err := row.Scan(&snapshot.UserID, &snapshot.OrgID, &day, &snapshot.Commits, &snapshot.LinesAdded,
		&snapshot.LinesDeleted, &snapshot.PRsOpened, &snapshot.PRsMerged, &snapshot.PRsClosed,
		&snapshot.AvgPRSize, &snapshot.IssuesOpened, &snapshot.IssuesResolved, &snapshot.AvgResolutionHours,
		&snapshot.WeekendCommits, &snapshot.LateNightCommits, &snapshot.AvgCommitClock)
	snapshot.Day = Day(day)
	return snapshot, err
}

func scanTeamSnapshot(row rowScanner) (TeamMetricSnapshot, error) {
	var snapshot TeamMetricSnapshot
	var day string
	err := row.Scan(&snapshot.OrgID, &day, &snapshot.Commits, &snapshot.PRsOpened, &snapshot.IssuesClosed,
		&snapshot.Velocity, &snapshot.AvgCycleTimeHours, &snapshot.ActiveContributors,
		&snapshot.OpenPRs, &snapshot.OpenIssues)
	snapshot.Day = Day(day)
	return snapshot, err
}

func scanRepositorySnapshot(row rowScanner) (RepositoryMetricSnapshot, error) {
	var snapshot RepositoryMetricSnapshot
	var day string
	err := row.Scan(&snapshot.RepoID, &snapshot.OrgID, &day, &snapshot.Commits, &snapshot.PRsOpened,
		&snapshot.IssuesOpened, &snapshot.UniqueContributors, &snapshot.TopContributorID,
		&snapshot.LinesAdded, &snapshot.LinesDeleted, &snapshot.FilesChanged)
	snapshot.Day = Day(day)
	return snapshot, err
}

type condition struct {
	clause string
	active bool
	value  any
}

func buildWhere(conditions []condition) (string, []any) {
	where := ""
	var args []any
	for _, cond := range conditions {
		if !cond.active {
			continue
		}
		args = append(args, cond.value)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(cond.clause, len(args))
	}
	return where, args
}

func appendRange(where string, args []any, column string, within *TimeRange) (string, []any) {
	if within == nil {
		return where, args
	}
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	args = append(args, within.From)
	where += fmt.Sprintf("%s >= $%d", column, len(args))
	args = append(args, within.To)
	where += fmt.Sprintf(" AND %s < $%d", column, len(args))
	return where, args
}

func pullRequestWhere(filter PullRequestFilter) (string, []any) {
	where, args := buildWhere([]condition{
		{"org_id = $%d", filter.OrgID != "", filter.OrgID},
		{"repo_id = $%d", filter.RepoID != "", filter.RepoID},
		{"author_id = $%d", filter.AuthorID != "", filter.AuthorID},
		{"state = $%d", filter.State != "", string(filter.State)},
	})
	where, args = appendRange(where, args, "created_at", filter.CreatedWithin)
	where, args = appendRange(where, args, "merged_at", filter.MergedWithin)
	where, args = appendRange(where, args, "closed_at", filter.ClosedWithin)
	return where, args
}

func issueWhere(filter IssueFilter) (string, []any) {
	where, args := buildWhere([]condition{
		{"org_id = $%d", filter.OrgID != "", filter.OrgID},
		{"repo_id = $%d", filter.RepoID != "", filter.RepoID},
		{"author_id = $%d", filter.AuthorID != "", filter.AuthorID},
		{"state = $%d", filter.State != "", string(filter.State)},
	})
	where, args = appendRange(where, args, "created_at", filter.CreatedWithin)
	where, args = appendRange(where, args, "closed_at", filter.ClosedWithin)
	return where, args
}
