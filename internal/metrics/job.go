package metrics

// JobKind is the queue job kind carrying a calculation request.
const JobKind = "metrics_calculation"

// CalculationType selects how much recomputation a job performs.
type CalculationType string

const (
	// CalculationIncremental recomputes a single entity/day.
	CalculationIncremental CalculationType = "incremental"
	// CalculationBatch recomputes a date range, skipping days that already
	// have snapshots.
	CalculationBatch CalculationType = "batch"
	// CalculationHistorical recomputes a date range unconditionally.
	CalculationHistorical CalculationType = "historical"
)

// Source records what triggered a calculation.
type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceManual    Source = "manual"
	SourceScheduler Source = "scheduler"
)

// JobPayload is the queue payload for a calculation request.
type JobPayload struct {
	RepositoryID    string          `json:"repositoryId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	OrganizationID  string          `json:"organizationId"`
	Date            string          `json:"date"`
	CalculationType CalculationType `json:"calculationType"`
	Source          Source          `json:"source"`
}
