package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/webhook"
)

// Context carries delivery metadata into a processor.
type Context struct {
	DeliveryID string
	EventType  string
	ReceivedAt time.Time
}

// Result summarizes what one processed event changed. Days holds the UTC
// calendar days of the touched record timestamps, which scope the follow-up
// incremental calculations.
type Result struct {
	Skipped        bool
	RecordsCreated int
	RecordsUpdated int
	Days           []store.Day
	Metadata       map[string]string
}

func (r *Result) markDay(t time.Time) {
	if t.IsZero() {
		return
	}
	day := store.DayOf(t)
	for _, existing := range r.Days {
		if existing == day {
			return
		}
	}
	r.Days = append(r.Days, day)
}

type processorStore interface {
	FindRepositoryByExternalID(ctx context.Context, externalID string) (store.Repository, bool, error)
	FindUserByEmail(ctx context.Context, orgID, email string) (store.User, bool, error)
	ListUsers(ctx context.Context, orgID string) ([]store.User, error)
	UpsertCommit(ctx context.Context, commit store.Commit) (bool, error)
	UpsertPullRequest(ctx context.Context, pr store.PullRequest) (bool, error)
	UpsertIssue(ctx context.Context, issue store.Issue) (bool, error)
}

type publisher interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// Dispatcher decodes queued envelopes, routes each to its event processor,
// and enqueues the follow-up incremental calculation for the touched day.
type Dispatcher struct {
	store     processorStore
	publisher publisher
	logger    *zap.Logger
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(s processorStore, pub publisher, logger ...*zap.Logger) *Dispatcher {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	return &Dispatcher{store: s, publisher: pub, logger: log}
}

// HandleJob is the queue handler for webhook envelope jobs.
func (d *Dispatcher) HandleJob(ctx context.Context, job queue.Job) error {
	var envelope webhook.Envelope
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	result, err := d.Process(ctx, envelope)
	if err != nil {
		return err
	}

	d.logger.Debug("event processed",
		zap.String("delivery_id", envelope.DeliveryID),
		zap.String("event_type", envelope.EventType),
		zap.Bool("skipped", result.Skipped),
		zap.Int("created", result.RecordsCreated),
		zap.Int("updated", result.RecordsUpdated))
	return nil
}

// Process runs one envelope through its processor and, when records changed,
// enqueues the incremental calculation job.
func (d *Dispatcher) Process(ctx context.Context, envelope webhook.Envelope) (Result, error) {
	event, err := webhook.DecodeEvent(envelope.EventType, envelope.RawPayload)
	if err != nil {
		return Result{}, fmt.Errorf("decode event %s: %w", envelope.DeliveryID, err)
	}

	pctx := Context{
		DeliveryID: envelope.DeliveryID,
		EventType:  envelope.EventType,
		ReceivedAt: envelope.ReceivedAt,
	}

	repo, found, err := d.store.FindRepositoryByExternalID(ctx, event.Repo().ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve repository: %w", err)
	}
	if !found {
		d.logger.Debug("event skipped, repository not registered",
			zap.String("delivery_id", pctx.DeliveryID),
			zap.String("repo_external_id", event.Repo().ExternalID))
		return Result{Skipped: true}, nil
	}

	var result Result
	var author Resolution
	switch e := event.(type) {
	case webhook.PushEvent:
		result, author, err = d.processPush(ctx, repo, e)
	case webhook.PullRequestEvent:
		result, author, err = d.processPullRequest(ctx, repo, e)
	case webhook.IssuesEvent:
		result, author, err = d.processIssues(ctx, repo, e)
	case webhook.ReviewEvent:
		result, author, err = d.processReview(ctx, repo, e)
	default:
		return Result{}, fmt.Errorf("no processor for event %T", event)
	}
	if err != nil {
		return Result{}, err
	}
	if result.Skipped {
		return result, nil
	}

	if err := d.enqueueCalculation(ctx, pctx, repo, author, result.Days); err != nil {
		return Result{}, err
	}
	return result, nil
}

// enqueueCalculation schedules one incremental job per touched day. The days
// come from record timestamps, so a delivery arriving after midnight still
// recomputes the day the work happened on. An event whose payload carries no
// timestamps falls back to the delivery time.
func (d *Dispatcher) enqueueCalculation(ctx context.Context, pctx Context, repo store.Repository, author Resolution, days []store.Day) error {
	if len(days) == 0 {
		days = []store.Day{store.DayOf(pctx.ReceivedAt)}
	}
	for _, day := range days {
		payload := metrics.JobPayload{
			RepositoryID:    repo.ID,
			OrganizationID:  repo.OrgID,
			Date:            string(day),
			CalculationType: metrics.CalculationIncremental,
			Source:          metrics.SourceWebhook,
		}
		if author.Resolved {
			payload.UserID = author.UserID
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal calculation job: %w", err)
		}
		if _, err := d.publisher.Enqueue(ctx, queue.Job{
			ID:      uuid.NewString(),
			Kind:    metrics.JobKind,
			Payload: body,
		}); err != nil {
			return fmt.Errorf("enqueue calculation job: %w", err)
		}
	}
	return nil
}

func countChange(result *Result, created bool) {
	if created {
		result.RecordsCreated++
	} else {
		result.RecordsUpdated++
	}
}
