package anomaly

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/store"
)

// Severity ranks how far an observation strays from its baseline.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Check names the detection rules.
const (
	CheckCommitDrop   = "commit_drop"
	CheckZeroActivity = "zero_activity"
	CheckCycleTime    = "cycle_time"
	CheckIssueBacklog = "issue_backlog"
	CheckMergeRate    = "merge_rate"
)

// Anomaly is one detected deviation. Results are ephemeral: they are logged
// and counted, recomputed on every run, and not persisted.
type Anomaly struct {
	Check      string
	Severity   Severity
	EntityKind string
	EntityID   string
	Day        store.Day
	Observed   float64
	Baseline   float64
}

type detectorStore interface {
	ListUsers(ctx context.Context, orgID string) ([]store.User, error)
	ListRepositories(ctx context.Context, orgID string) ([]store.Repository, error)
	FindDeveloperSnapshot(ctx context.Context, userID string, day store.Day) (store.DeveloperMetricSnapshot, bool, error)
	ListDeveloperSnapshots(ctx context.Context, userID string, from, to store.Day) ([]store.DeveloperMetricSnapshot, error)
	FindRepositorySnapshot(ctx context.Context, repoID string, day store.Day) (store.RepositoryMetricSnapshot, bool, error)
	ListRepositorySnapshots(ctx context.Context, repoID string, from, to store.Day) ([]store.RepositoryMetricSnapshot, error)
	FindTeamSnapshot(ctx context.Context, orgID string, day store.Day) (store.TeamMetricSnapshot, bool, error)
	ListTeamSnapshots(ctx context.Context, orgID string, from, to store.Day) ([]store.TeamMetricSnapshot, error)
}

// Recorder counts detected anomalies by severity.
type Recorder interface {
	AnomalyDetected(severity string)
}

type nopRecorder struct{}

func (nopRecorder) AnomalyDetected(string) {}

// Detector runs read-only checks over snapshot rows, comparing a day against
// trailing baselines. Entities with no prior observations are exempt from
// every check.
type Detector struct {
	store    detectorStore
	devDays  int
	teamDays int
	recorder Recorder
	logger   *zap.Logger
}

// NewDetector creates a detector with the given trailing baseline windows.
func NewDetector(s detectorStore, developerWindow, teamWindow time.Duration, recorder Recorder, logger ...*zap.Logger) *Detector {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	devDays := int(developerWindow.Hours() / 24)
	if devDays <= 0 {
		devDays = 7
	}
	teamDays := int(teamWindow.Hours() / 24)
	if teamDays <= 0 {
		teamDays = 30
	}
	return &Detector{store: s, devDays: devDays, teamDays: teamDays, recorder: recorder, logger: log}
}

// DetectDay runs every check for one organization and day.
func (d *Detector) DetectDay(ctx context.Context, orgID string, day store.Day) ([]Anomaly, error) {
	var anomalies []Anomaly

	developer, err := d.detectDevelopers(ctx, orgID, day)
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, developer...)

	repository, err := d.detectRepositories(ctx, orgID, day)
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, repository...)

	team, err := d.detectTeam(ctx, orgID, day)
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, team...)

	d.report(orgID, day, anomalies)
	return anomalies, nil
}

func (d *Detector) detectDevelopers(ctx context.Context, orgID string, day store.Day) ([]Anomaly, error) {
	users, err := d.store.ListUsers(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var anomalies []Anomaly
	for _, user := range users {
		history, err := d.store.ListDeveloperSnapshots(ctx, user.ID, windowStart(day, d.devDays), day.Prev())
		if err != nil {
			return nil, fmt.Errorf("list developer snapshots %s: %w", user.ID, err)
		}
		if len(history) == 0 {
			continue
		}

		total := 0
		for _, snapshot := range history {
			total += snapshot.Commits
		}
		baseline := float64(total) / float64(len(history))
		if baseline == 0 {
			continue
		}

		today, _, err := d.store.FindDeveloperSnapshot(ctx, user.ID, day)
		if err != nil {
			return nil, fmt.Errorf("find developer snapshot %s: %w", user.ID, err)
		}

		if today.Commits == 0 && today.PRsOpened == 0 {
			anomalies = append(anomalies, Anomaly{
				Check: CheckZeroActivity, Severity: SeverityMedium,
				EntityKind: "developer", EntityID: user.ID, Day: day,
				Observed: 0, Baseline: baseline,
			})
			continue
		}

		drop := (baseline - float64(today.Commits)) / baseline * 100
		if severity, flagged := dropSeverity(drop); flagged {
			anomalies = append(anomalies, Anomaly{
				Check: CheckCommitDrop, Severity: severity,
				EntityKind: "developer", EntityID: user.ID, Day: day,
				Observed: float64(today.Commits), Baseline: baseline,
			})
		}
	}
	return anomalies, nil
}

func (d *Detector) detectRepositories(ctx context.Context, orgID string, day store.Day) ([]Anomaly, error) {
	repos, err := d.store.ListRepositories(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	var anomalies []Anomaly
	for _, repo := range repos {
		history, err := d.store.ListRepositorySnapshots(ctx, repo.ID, windowStart(day, d.devDays), day.Prev())
		if err != nil {
			return nil, fmt.Errorf("list repository snapshots %s: %w", repo.ID, err)
		}
		if len(history) == 0 {
			continue
		}

		total := 0
		for _, snapshot := range history {
			total += snapshot.Commits
		}
		baseline := float64(total) / float64(len(history))
		if baseline == 0 {
			continue
		}

		today, _, err := d.store.FindRepositorySnapshot(ctx, repo.ID, day)
		if err != nil {
			return nil, fmt.Errorf("find repository snapshot %s: %w", repo.ID, err)
		}

		drop := (baseline - float64(today.Commits)) / baseline * 100
		if severity, flagged := dropSeverity(drop); flagged {
			anomalies = append(anomalies, Anomaly{
				Check: CheckCommitDrop, Severity: severity,
				EntityKind: "repository", EntityID: repo.ID, Day: day,
				Observed: float64(today.Commits), Baseline: baseline,
			})
		}
	}
	return anomalies, nil
}

func (d *Detector) detectTeam(ctx context.Context, orgID string, day store.Day) ([]Anomaly, error) {
	today, found, err := d.store.FindTeamSnapshot(ctx, orgID, day)
	if err != nil {
		return nil, fmt.Errorf("find team snapshot: %w", err)
	}
	if !found {
		return nil, nil
	}

	history, err := d.store.ListTeamSnapshots(ctx, orgID, windowStart(day, d.teamDays), day.Prev())
	if err != nil {
		return nil, fmt.Errorf("list team snapshots: %w", err)
	}
	if len(history) == 0 {
		return nil, nil
	}

	var cycleTotal, backlogTotal float64
	for _, snapshot := range history {
		cycleTotal += snapshot.AvgCycleTimeHours
		backlogTotal += float64(snapshot.OpenIssues)
	}
	cycleBaseline := cycleTotal / float64(len(history))
	backlogBaseline := backlogTotal / float64(len(history))

	var anomalies []Anomaly

	if cycleBaseline > 0 && today.AvgCycleTimeHours > 0 {
		ratio := today.AvgCycleTimeHours / cycleBaseline
		if severity, flagged := ratioSeverity(ratio, 2, 3, 5); flagged {
			anomalies = append(anomalies, Anomaly{
				Check: CheckCycleTime, Severity: severity,
				EntityKind: "team", EntityID: orgID, Day: day,
				Observed: today.AvgCycleTimeHours, Baseline: cycleBaseline,
			})
		}
	}

	if backlogBaseline > 0 {
		ratio := float64(today.OpenIssues) / backlogBaseline
		if severity, flagged := ratioSeverity(ratio, 1.5, 2, 3); flagged {
			anomalies = append(anomalies, Anomaly{
				Check: CheckIssueBacklog, Severity: severity,
				EntityKind: "team", EntityID: orgID, Day: day,
				Observed: float64(today.OpenIssues), Baseline: backlogBaseline,
			})
		}
	}

	if today.PRsOpened > 0 {
		rate := float64(today.Velocity) / float64(today.PRsOpened) * 100
		if severity, flagged := mergeRateSeverity(rate); flagged {
			anomalies = append(anomalies, Anomaly{
				Check: CheckMergeRate, Severity: severity,
				EntityKind: "team", EntityID: orgID, Day: day,
				Observed: rate, Baseline: 100,
			})
		}
	}

	return anomalies, nil
}

// report logs detections grouped by severity.
func (d *Detector) report(orgID string, day store.Day, anomalies []Anomaly) {
	if len(anomalies) == 0 {
		d.logger.Debug("no anomalies detected",
			zap.String("org", orgID),
			zap.String("day", string(day)))
		return
	}

	bySeverity := make(map[Severity]int)
	for _, a := range anomalies {
		bySeverity[a.Severity]++
		d.recorder.AnomalyDetected(string(a.Severity))
	}
	d.logger.Warn("anomalies detected",
		zap.String("org", orgID),
		zap.String("day", string(day)),
		zap.Int("total", len(anomalies)),
		zap.Int("low", bySeverity[SeverityLow]),
		zap.Int("medium", bySeverity[SeverityMedium]),
		zap.Int("high", bySeverity[SeverityHigh]),
		zap.Int("critical", bySeverity[SeverityCritical]))
}

func dropSeverity(dropPercent float64) (Severity, bool) {
	switch {
	case dropPercent >= 90:
		return SeverityCritical, true
	case dropPercent >= 75:
		return SeverityHigh, true
	case dropPercent >= 60:
		return SeverityMedium, true
	case dropPercent >= 50:
		return SeverityLow, true
	}
	return "", false
}

func ratioSeverity(ratio, medium, high, critical float64) (Severity, bool) {
	switch {
	case ratio >= critical:
		return SeverityCritical, true
	case ratio >= high:
		return SeverityHigh, true
	case ratio >= medium:
		return SeverityMedium, true
	}
	return "", false
}

func mergeRateSeverity(ratePercent float64) (Severity, bool) {
	switch {
	case ratePercent < 10:
		return SeverityCritical, true
	case ratePercent < 20:
		return SeverityHigh, true
	case ratePercent < 30:
		return SeverityMedium, true
	}
	return "", false
}

func windowStart(day store.Day, days int) store.Day {
	start := day
	for i := 0; i < days; i++ {
		start = start.Prev()
	}
	return start
}
