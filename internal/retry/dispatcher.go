// Package retry re-executes previously logged job runs on operator request.
package retry

import (
	"context"
	"fmt"

	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
	"todo-realtime/internal/scheduler"
	"todo-realtime/internal/telemetry"
)

// RunStore is the slice of the job log the dispatcher reads and updates.
type RunStore interface {
	GetJobRun(ctx context.Context, id string) (models.JobRun, error)
	IncrementRetryCount(ctx context.Context, id string) (models.JobRun, error)
}

// Reserver hands out exclusive job lanes.
type Reserver interface {
	Reserve(ctx context.Context, name string) (*scheduler.Reservation, error)
}

// Result is the acknowledgement of a retry. Run is the retried row with its bumped counter;
// Outcome is the fresh row written by the re-execution, nil when it could not be recorded.
type Result struct {
	Run     models.JobRun  `json:"run"`
	Outcome *models.JobRun `json:"result"`
}

// Dispatcher serves manual retries. The retried row only tallies attempts; the re-execution
// writes its own row starting at retryCount 0.
type Dispatcher struct {
	runs RunStore
	jobs Reserver
}

func NewDispatcher(runs RunStore, jobs Reserver) *Dispatcher {
	return &Dispatcher{runs: runs, jobs: jobs}
}

// Retry re-runs the job behind runID. It fails with ErrNotFound when the row is missing and
// with ErrJobBusy when the job is already running; neither case changes any row.
func (d *Dispatcher) Retry(ctx context.Context, runID string) (Result, error) {
	original, err := d.runs.GetJobRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup run: %w", err)
	}

	res, err := d.jobs.Reserve(ctx, original.Name)
	if err != nil {
		return Result{}, fmt.Errorf("retry %s: %w", original.Name, err)
	}

	updated, err := d.runs.IncrementRetryCount(ctx, runID)
	if err != nil {
		res.Release(ctx)
		return Result{}, fmt.Errorf("bump retry count: %w", err)
	}
	telemetry.JobRetries.Inc()

	l := logging.Ctx(ctx)
	l.Info().
		Str(logging.FieldJob, original.Name).
		Str(logging.FieldRunID, runID).
		Int("retry_count", updated.RetryCount).
		Msg("retrying job")

	result := Result{Run: updated}
	outcome, err := res.Run(ctx)
	if err != nil {
		// The counter stays bumped: the attempt happened even though its outcome was lost.
		l.Error().Err(err).Str(logging.FieldRunID, runID).Msg("retry outcome not recorded")
		return result, nil
	}
	result.Outcome = &outcome
	return result, nil
}
