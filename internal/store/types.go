package store

import "time"

// Day is a UTC calendar day in YYYY-MM-DD form. Snapshot rows are keyed by it.
type Day string

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format("2006-01-02"))
}

// ParseDay parses a YYYY-MM-DD day string.
func ParseDay(raw string) (Day, error) {
	parsed, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return "", err
	}
	return DayOf(parsed), nil
}

// Start returns midnight UTC at the beginning of the day.
func (d Day) Start() time.Time {
	parsed, err := time.ParseInLocation("2006-01-02", string(d), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Range returns the half-open UTC window [00:00:00, next midnight) for the day.
func (d Day) Range() TimeRange {
	start := d.Start()
	return TimeRange{From: start, To: start.AddDate(0, 0, 1)}
}

// Next returns the following calendar day.
func (d Day) Next() Day {
	return DayOf(d.Start().AddDate(0, 0, 1))
}

// Prev returns the preceding calendar day.
func (d Day) Prev() Day {
	return DayOf(d.Start().AddDate(0, 0, -1))
}

// TimeRange is a half-open time window [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Organization is a tracked organization (the team aggregation unit).
type Organization struct {
	ID   string
	Name string
}

// Repository is a tracked repository registered for webhook delivery.
type Repository struct {
	ID            string
	ExternalID    string
	OrgID         string
	Name          string
	WebhookSecret string
}

// User is a known developer identity inside an organization.
type User struct {
	ID          string
	OrgID       string
	Email       string
	DisplayName string
}

// Commit is a canonical commit record keyed by its SHA.
type Commit struct {
	SHA          string
	RepoID       string
	OrgID        string
	AuthorID     string
	Message      string
	Timestamp    time.Time
	Additions    int
	Deletions    int
	FilesTouched int
}

// PullRequestState is the lifecycle state of a pull request.
type PullRequestState string

const (
	// PullRequestOpen is the non-terminal state.
	PullRequestOpen PullRequestState = "open"
	// PullRequestMerged is terminal and sets the merge timestamp.
	PullRequestMerged PullRequestState = "merged"
	// PullRequestClosed is terminal and sets the close timestamp.
	PullRequestClosed PullRequestState = "closed"
)

// Terminal reports whether the state ends the pull request lifecycle.
func (s PullRequestState) Terminal() bool {
	return s == PullRequestMerged || s == PullRequestClosed
}

// PullRequest is a canonical pull request record keyed by external id.
type PullRequest struct {
	ExternalID     string
	RepoID         string
	OrgID          string
	AuthorID       string
	Number         int
	Title          string
	State          PullRequestState
	CreatedAt      time.Time
	MergedAt       *time.Time
	ClosedAt       *time.Time
	Additions      int
	Deletions      int
	ChangedFiles   int
	CycleTimeHours *float64
}

// IssueState is the lifecycle state of an issue.
type IssueState string

const (
	// IssueOpen is the non-terminal state.
	IssueOpen IssueState = "open"
	// IssueClosed is terminal and sets the close timestamp.
	IssueClosed IssueState = "closed"
)

// Issue is a canonical issue record keyed by external id.
type Issue struct {
	ExternalID      string
	RepoID          string
	OrgID           string
	AuthorID        string
	Number          int
	Title           string
	State           IssueState
	CreatedAt       time.Time
	ClosedAt        *time.Time
	ResolutionHours *float64
}

// DeveloperMetricSnapshot is the per-(user, day) aggregate row.
type DeveloperMetricSnapshot struct {
	UserID             string
	OrgID              string
	Day                Day
	Commits            int
	LinesAdded         int
	LinesDeleted       int
	PRsOpened          int
	PRsMerged          int
	PRsClosed          int
	AvgPRSize          float64
	IssuesOpened       int
	IssuesResolved     int
	AvgResolutionHours float64
	WeekendCommits     int
	LateNightCommits   int
	AvgCommitClock     string
}

// TeamMetricSnapshot is the per-(organization, day) aggregate row.
type TeamMetricSnapshot struct {
	OrgID              string
	Day                Day
	Commits            int
	PRsOpened          int
	IssuesClosed       int
	Velocity           int
	AvgCycleTimeHours  float64
	ActiveContributors int
	OpenPRs            int
	OpenIssues         int
}

// RepositoryMetricSnapshot is the per-(repository, day) aggregate row.
type RepositoryMetricSnapshot struct {
	RepoID             string
	OrgID              string
	Day                Day
	Commits            int
	PRsOpened          int
	IssuesOpened       int
	UniqueContributors int
	TopContributorID   string
	LinesAdded         int
	LinesDeleted       int
	FilesChanged       int
}

// CommitFilter selects commits. Zero-valued fields match everything.
type CommitFilter struct {
	OrgID    string
	RepoID   string
	AuthorID string
	Within   *TimeRange
}

// PullRequestFilter selects pull requests. Zero-valued fields match everything.
type PullRequestFilter struct {
	OrgID         string
	RepoID        string
	AuthorID      string
	State         PullRequestState
	CreatedWithin *TimeRange
	MergedWithin  *TimeRange
	ClosedWithin  *TimeRange
}

// IssueFilter selects issues. Zero-valued fields match everything.
type IssueFilter struct {
	OrgID         string
	RepoID        string
	AuthorID      string
	State         IssueState
	CreatedWithin *TimeRange
	ClosedWithin  *TimeRange
}
