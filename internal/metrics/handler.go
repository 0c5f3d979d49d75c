package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/store"
)

// HandleJob is the queue handler for calculation jobs.
func (e *Engine) HandleJob(ctx context.Context, job queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode calculation job: %w", err)
	}
	if payload.OrganizationID == "" {
		return fmt.Errorf("calculation job %s: organization id is required", job.ID)
	}

	switch payload.CalculationType {
	case CalculationIncremental:
		return e.Incremental(ctx, payload)
	case CalculationBatch, CalculationHistorical:
		day, err := store.ParseDay(payload.Date)
		if err != nil {
			return fmt.Errorf("parse job date: %w", err)
		}
		recalculate := payload.CalculationType == CalculationHistorical
		return e.Batch(ctx, payload.OrganizationID, day, day, recalculate)
	}
	return fmt.Errorf("calculation job %s: unknown type %q", job.ID, payload.CalculationType)
}
