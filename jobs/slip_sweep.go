package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tuition-ledger/internal/billing"
	jobmetrics "github.com/odyssey-erp/tuition-ledger/internal/jobs"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

// SlipIssuer issues slips for a unit's pending installments.
type SlipIssuer interface {
	IssueUnit(ctx context.Context, unit string) (shared.BatchResult[billing.SlipResult], error)
}

// SlipSweepJob picks up installments that entered the slip window since the last sweep.
type SlipSweepJob struct {
	Issuer  SlipIssuer
	Units   []string
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSlipSweepJob constructs the job handler.
func NewSlipSweepJob(issuer SlipIssuer, units []string, logger *slog.Logger, metrics *jobmetrics.Metrics) *SlipSweepJob {
	return &SlipSweepJob{Issuer: issuer, Units: units, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep. Per-slip gateway failures are counted, not retried; the
// next sweep picks them up again.
func (j *SlipSweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Issuer == nil {
		return errors.New("slip sweep: dependencies not configured")
	}
	var payload SlipSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSlipSweep)
	var errs []error
	for _, unit := range resolveUnits(payload.Unit, j.Units) {
		start := time.Now()
		res, err := j.Issuer.IssueUnit(ctx, unit)
		if err != nil {
			j.log().Error("slip sweep unit", slog.String("unit", unit), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		issued, failed := 0, len(res.Failed)
		for _, r := range res.Succeeded {
			issued += r.IssuedCount()
			failed += r.FailedCount()
		}
		j.metrics().AddItems(TaskSlipSweep, unit, "issued", issued)
		j.metrics().AddItems(TaskSlipSweep, unit, "failed", failed)
		j.log().Info("slip sweep completed",
			slog.String("unit", unit),
			slog.Int("students", res.Total()),
			slog.Int("issued", issued),
			slog.Int("failed", failed),
			slog.Duration("duration", time.Since(start)))
	}
	return tracker.End(errors.Join(errs...))
}

func (j *SlipSweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SlipSweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSlipSweep))
	}
	return slog.Default().With(slog.String("job", TaskSlipSweep))
}
