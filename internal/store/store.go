package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is the datastore contract consumed by the pipeline. Canonical records
// are upserted by stable external key and never deleted; snapshot rows are
// keyed by their composite (entity, day) identity so recomputation is
// idempotent.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertOrganization(ctx context.Context, org Organization) error
	ListOrganizations(ctx context.Context) ([]Organization, error)

	UpsertRepository(ctx context.Context, repo Repository) error
	FindRepositoryByExternalID(ctx context.Context, externalID string) (Repository, bool, error)
	ListRepositories(ctx context.Context, orgID string) ([]Repository, error)

	UpsertUser(ctx context.Context, user User) error
	FindUser(ctx context.Context, id string) (User, bool, error)
	FindUserByEmail(ctx context.Context, orgID, email string) (User, bool, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)

	UpsertCommit(ctx context.Context, commit Commit) (bool, error)
	ListCommits(ctx context.Context, filter CommitFilter) ([]Commit, error)

	UpsertPullRequest(ctx context.Context, pr PullRequest) (bool, error)
	FindPullRequest(ctx context.Context, externalID string) (PullRequest, bool, error)
	ListPullRequests(ctx context.Context, filter PullRequestFilter) ([]PullRequest, error)
	CountPullRequests(ctx context.Context, filter PullRequestFilter) (int, error)

	UpsertIssue(ctx context.Context, issue Issue) (bool, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error)
	CountIssues(ctx context.Context, filter IssueFilter) (int, error)

	ActiveUserIDs(ctx context.Context, orgID string, within TimeRange) ([]string, error)

	UpsertDeveloperSnapshot(ctx context.Context, snapshot DeveloperMetricSnapshot) error
	FindDeveloperSnapshot(ctx context.Context, userID string, day Day) (DeveloperMetricSnapshot, bool, error)
	ListDeveloperSnapshots(ctx context.Context, userID string, from, to Day) ([]DeveloperMetricSnapshot, error)

	UpsertTeamSnapshot(ctx context.Context, snapshot TeamMetricSnapshot) error
	FindTeamSnapshot(ctx context.Context, orgID string, day Day) (TeamMetricSnapshot, bool, error)
	ListTeamSnapshots(ctx context.Context, orgID string, from, to Day) ([]TeamMetricSnapshot, error)

	UpsertRepositorySnapshot(ctx context.Context, snapshot RepositoryMetricSnapshot) error
	FindRepositorySnapshot(ctx context.Context, repoID string, day Day) (RepositoryMetricSnapshot, bool, error)
	ListRepositorySnapshots(ctx context.Context, repoID string, from, to Day) ([]RepositoryMetricSnapshot, error)
}

// MemoryStore is an in-memory Store for tests and local development. Upserts
// hold the store lock across the read-merge-write, so concurrent writers
// observe the same unique-key semantics as the Postgres adapter.
type MemoryStore struct {
	mu            sync.RWMutex
	orgs          map[string]Organization
	repos         map[string]Repository
	reposByExtID  map[string]string
	users         map[string]User
	commits       map[string]Commit
	pullRequests  map[string]PullRequest
	issues        map[string]Issue
	devSnapshots  map[string]DeveloperMetricSnapshot
	teamSnapshots map[string]TeamMetricSnapshot
	repoSnapshots map[string]RepositoryMetricSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:          make(map[string]Organization),
		repos:         make(map[string]Repository),
		reposByExtID:  make(map[string]string),
		users:         make(map[string]User),
		commits:       make(map[string]Commit),
		pullRequests:  make(map[string]PullRequest),
		issues:        make(map[string]Issue),
		devSnapshots:  make(map[string]DeveloperMetricSnapshot),
		teamSnapshots: make(map[string]TeamMetricSnapshot),
		repoSnapshots: make(map[string]RepositoryMetricSnapshot),
	}
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(_ context.Context) error {
	if s == nil {
		return fmt.Errorf("memory store is nil")
	}
	return nil
}

// Close releases nothing for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// UpsertOrganization inserts or replaces an organization by id.
func (s *MemoryStore) UpsertOrganization(_ context.Context, org Organization) error {
	if org.ID == "" {
		return fmt.Errorf("organization id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	return nil
}

// ListOrganizations returns all organizations sorted by id.
func (s *MemoryStore) ListOrganizations(_ context.Context) ([]Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		result = append(result, org)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpsertRepository inserts or replaces a repository by id.
func (s *MemoryStore) UpsertRepository(_ context.Context, repo Repository) error {
	if repo.ID == "" {
		return fmt.Errorf("repository id is required")
	}
	if repo.ExternalID == "" {
		return fmt.Errorf("repository external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.ID] = repo
	s.reposByExtID[repo.ExternalID] = repo.ID
	return nil
}

// FindRepositoryByExternalID looks up a repository by its provider-side id.
func (s *MemoryStore) FindRepositoryByExternalID(_ context.Context, externalID string) (Repository, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.reposByExtID[externalID]
	if !ok {
		return Repository{}, false, nil
	}
	repo, ok := s.repos[id]
	return repo, ok, nil
}

// ListRepositories returns an organization's repositories sorted by id.
func (s *MemoryStore) ListRepositories(_ context.Context, orgID string) ([]Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Repository, 0)
	for _, repo := range s.repos {
		if orgID == "" || repo.OrgID == orgID {
			result = append(result, repo)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpsertUser inserts or replaces a user by id.
func (s *MemoryStore) UpsertUser(_ context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

// FindUser looks up a user by id.
func (s *MemoryStore) FindUser(_ context.Context, id string) (User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	return user, ok, nil
}

// FindUserByEmail looks up a user by exact email match inside an organization.
func (s *MemoryStore) FindUserByEmail(_ context.Context, orgID, email string) (User, bool, error) {
	if email == "" {
		return User{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.OrgID == orgID && strings.EqualFold(user.Email, email) {
			return user, true, nil
		}
	}
	return User{}, false, nil
}

// ListUsers returns an organization's users sorted by id.
func (s *MemoryStore) ListUsers(_ context.Context, orgID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]User, 0)
	for _, user := range s.users {
		if orgID == "" || user.OrgID == orgID {
			result = append(result, user)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpsertCommit inserts or replaces a commit by SHA. The bool reports creation.
func (s *MemoryStore) UpsertCommit(_ context.Context, commit Commit) (bool, error) {
	if commit.SHA == "" {
		return false, fmt.Errorf("commit sha is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.commits[commit.SHA]
	if exists && commit.AuthorID == "" {
		commit.AuthorID = existing.AuthorID
	}
	s.commits[commit.SHA] = commit
	return !exists, nil
}

// ListCommits returns commits matching the filter sorted by timestamp.
func (s *MemoryStore) ListCommits(_ context.Context, filter CommitFilter) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Commit, 0)
	for _, commit := range s.commits {
		if !matchCommit(commit, filter) {
			continue
		}
		result = append(result, commit)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].SHA < result[j].SHA
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// UpsertPullRequest inserts or merges a pull request by external id. Terminal
// state, terminal timestamps, cycle time, and change-volume fields already on
// the stored row are never erased by a weaker payload.
func (s *MemoryStore) UpsertPullRequest(_ context.Context, pr PullRequest) (bool, error) {
	if pr.ExternalID == "" {
		return false, fmt.Errorf("pull request external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.pullRequests[pr.ExternalID]
	if exists {
		pr = mergePullRequest(existing, pr)
	}
	s.pullRequests[pr.ExternalID] = pr
	return !exists, nil
}

// FindPullRequest looks up a pull request by external id.
func (s *MemoryStore) FindPullRequest(_ context.Context, externalID string) (PullRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.pullRequests[externalID]
	return pr, ok, nil
}

// ListPullRequests returns pull requests matching the filter sorted by creation time.
func (s *MemoryStore) ListPullRequests(_ context.Context, filter PullRequestFilter) ([]PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]PullRequest, 0)
	for _, pr := range s.pullRequests {
		if !matchPullRequest(pr, filter) {
			continue
		}
		result = append(result, pr)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ExternalID < result[j].ExternalID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CountPullRequests counts pull requests matching the filter.
func (s *MemoryStore) CountPullRequests(ctx context.Context, filter PullRequestFilter) (int, error) {
	matches, err := s.ListPullRequests(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// UpsertIssue inserts or merges an issue by external id. Close timestamps and
// resolution time already on the stored row are never erased.
func (s *MemoryStore) UpsertIssue(_ context.Context, issue Issue) (bool, error) {
	if issue.ExternalID == "" {
		return false, fmt.Errorf("issue external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.issues[issue.ExternalID]
	if exists {
		issue = mergeIssue(existing, issue)
	}
	s.issues[issue.ExternalID] = issue
	return !exists, nil
}

// ListIssues returns issues matching the filter sorted by creation time.
func (s *MemoryStore) ListIssues(_ context.Context, filter IssueFilter) ([]Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Issue, 0)
	for _, issue := range s.issues {
		if !matchIssue(issue, filter) {
			continue
		}
		result = append(result, issue)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ExternalID < result[j].ExternalID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CountIssues counts issues matching the filter.
func (s *MemoryStore) CountIssues(ctx context.Context, filter IssueFilter) (int, error) {
	matches, err := s.ListIssues(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// ActiveUserIDs returns the distinct users with a commit or an opened pull
// request inside the window, sorted by id.
func (s *MemoryStore) ActiveUserIDs(_ context.Context, orgID string, within TimeRange) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, commit := range s.commits {
		if commit.AuthorID == "" || commit.OrgID != orgID {
			continue
		}
		if within.Contains(commit.Timestamp) {
			seen[commit.AuthorID] = struct{}{}
		}
	}
	for _, pr := range s.pullRequests {
		if pr.AuthorID == "" || pr.OrgID != orgID {
			continue
		}
		if within.Contains(pr.CreatedAt) {
			seen[pr.AuthorID] = struct{}{}
		}
	}
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// UpsertDeveloperSnapshot overwrites the (user, day) snapshot row.
func (s *MemoryStore) UpsertDeveloperSnapshot(_ context.Context, snapshot DeveloperMetricSnapshot) error {
	if snapshot.UserID == "" || snapshot.Day == "" {
		return fmt.Errorf("developer snapshot requires user id and day")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devSnapshots[snapshotKey(snapshot.UserID, snapshot.Day)] = snapshot
	return nil
}

// FindDeveloperSnapshot looks up the (user, day) snapshot row.
func (s *MemoryStore) FindDeveloperSnapshot(_ context.Context, userID string, day Day) (DeveloperMetricSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.devSnapshots[snapshotKey(userID, day)]
	return snapshot, ok, nil
}

// ListDeveloperSnapshots returns a user's snapshots for days in [from, to], sorted by day.
func (s *MemoryStore) ListDeveloperSnapshots(_ context.Context, userID string, from, to Day) ([]DeveloperMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]DeveloperMetricSnapshot, 0)
	for _, snapshot := range s.devSnapshots {
		if snapshot.UserID == userID && snapshot.Day >= from && snapshot.Day <= to {
			result = append(result, snapshot)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day < result[j].Day })
	return result, nil
}

// UpsertTeamSnapshot overwrites the (organization, day) snapshot row.
func (s *MemoryStore) UpsertTeamSnapshot(_ context.Context, snapshot TeamMetricSnapshot) error {
	if snapshot.OrgID == "" || snapshot.Day == "" {
		return fmt.Errorf("team snapshot requires organization id and day")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamSnapshots[snapshotKey(snapshot.OrgID, snapshot.Day)] = snapshot
	return nil
}

// FindTeamSnapshot looks up the (organization, day) snapshot row.
func (s *MemoryStore) FindTeamSnapshot(_ context.Context, orgID string, day Day) (TeamMetricSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.teamSnapshots[snapshotKey(orgID, day)]
	return snapshot, ok, nil
}

// ListTeamSnapshots returns an organization's snapshots for days in [from, to], sorted by day.
func (s *MemoryStore) ListTeamSnapshots(_ context.Context, orgID string, from, to Day) ([]TeamMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]TeamMetricSnapshot, 0)
	for _, snapshot := range s.teamSnapshots {
		if snapshot.OrgID == orgID && snapshot.Day >= from && snapshot.Day <= to {
			result = append(result, snapshot)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day < result[j].Day })
	return result, nil
}

// UpsertRepositorySnapshot overwrites the (repository, day) snapshot row.
func (s *MemoryStore) UpsertRepositorySnapshot(_ context.Context, snapshot RepositoryMetricSnapshot) error {
	if snapshot.RepoID == "" || snapshot.Day == "" {
		return fmt.Errorf("repository snapshot requires repository id and day")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoSnapshots[snapshotKey(snapshot.RepoID, snapshot.Day)] = snapshot
	return nil
}

// FindRepositorySnapshot looks up the (repository, day) snapshot row.
func (s *MemoryStore) FindRepositorySnapshot(_ context.Context, repoID string, day Day) (RepositoryMetricSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.repoSnapshots[snapshotKey(repoID, day)]
	return snapshot, ok, nil
}

// ListRepositorySnapshots returns a repository's snapshots for days in [from, to], sorted by day.
func (s *MemoryStore) ListRepositorySnapshots(_ context.Context, repoID string, from, to Day) ([]RepositoryMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]RepositoryMetricSnapshot, 0)
	for _, snapshot := range s.repoSnapshots {
		if snapshot.RepoID == repoID && snapshot.Day >= from && snapshot.Day <= to {
			result = append(result, snapshot)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day < result[j].Day })
	return result, nil
}

func mergePullRequest(existing, incoming PullRequest) PullRequest {
	merged := incoming
	if existing.State.Terminal() && !incoming.State.Terminal() {
		merged.State = existing.State
	}
	if merged.MergedAt == nil {
		merged.MergedAt = existing.MergedAt
	}
	if merged.ClosedAt == nil {
		merged.ClosedAt = existing.ClosedAt
	}
	if merged.CycleTimeHours == nil {
		merged.CycleTimeHours = existing.CycleTimeHours
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	if merged.AuthorID == "" {
		merged.AuthorID = existing.AuthorID
	}
	if merged.Title == "" {
		merged.Title = existing.Title
	}
	if merged.Additions == 0 && merged.Deletions == 0 && merged.ChangedFiles == 0 {
		merged.Additions = existing.Additions
		merged.Deletions = existing.Deletions
		merged.ChangedFiles = existing.ChangedFiles
	}
	return merged
}

func mergeIssue(existing, incoming Issue) Issue {
	merged := incoming
	if existing.State == IssueClosed && incoming.State != IssueClosed {
		merged.State = existing.State
	}
	if merged.ClosedAt == nil {
		merged.ClosedAt = existing.ClosedAt
	}
	if merged.ResolutionHours == nil {
		merged.ResolutionHours = existing.ResolutionHours
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	if merged.AuthorID == "" {
		merged.AuthorID = existing.AuthorID
	}
	if merged.Title == "" {
		merged.Title = existing.Title
	}
	return merged
}

func matchCommit(commit Commit, filter CommitFilter) bool {
	if filter.OrgID != "" && commit.OrgID != filter.OrgID {
		return false
	}
	if filter.RepoID != "" && commit.RepoID != filter.RepoID {
		return false
	}
	if filter.AuthorID != "" && commit.AuthorID != filter.AuthorID {
		return false
	}
	if filter.Within != nil && !filter.Within.Contains(commit.Timestamp) {
		return false
	}
	return true
}

func matchPullRequest(pr PullRequest, filter PullRequestFilter) bool {
	if filter.OrgID != "" && pr.OrgID != filter.OrgID {
		return false
	}
	if filter.RepoID != "" && pr.RepoID != filter.RepoID {
		return false
	}
	if filter.AuthorID != "" && pr.AuthorID != filter.AuthorID {
		return false
	}
	if filter.State != "" && pr.State != filter.State {
		return false
	}
	if filter.CreatedWithin != nil && !filter.CreatedWithin.Contains(pr.CreatedAt) {
		return false
	}
	if filter.MergedWithin != nil && (pr.MergedAt == nil || !filter.MergedWithin.Contains(*pr.MergedAt)) {
		return false
	}
	if filter.ClosedWithin != nil && (pr.ClosedAt == nil || !filter.ClosedWithin.Contains(*pr.ClosedAt)) {
		return false
	}
	return true
}

func matchIssue(issue Issue, filter IssueFilter) bool {
	if filter.OrgID != "" && issue.OrgID != filter.OrgID {
		return false
	}
	if filter.RepoID != "" && issue.RepoID != filter.RepoID {
		return false
	}
	if filter.AuthorID != "" && issue.AuthorID != filter.AuthorID {
		return false
	}
	if filter.State != "" && issue.State != filter.State {
		return false
	}
	if filter.CreatedWithin != nil && !filter.CreatedWithin.Contains(issue.CreatedAt) {
		return false
	}
	if filter.ClosedWithin != nil && (issue.ClosedAt == nil || !filter.ClosedWithin.Contains(*issue.ClosedAt)) {
		return false
	}
	return true
}

func snapshotKey(entityID string, day Day) string {
	return entityID + "|" + string(day)
}
