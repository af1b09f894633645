package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tuition-ledger/internal/billing"
	jobmetrics "github.com/odyssey-erp/tuition-ledger/internal/jobs"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

// ErrPartialRun reports that some students of a unit could not be billed. The task is
// retried; students already billed are skipped on the next attempt.
var ErrPartialRun = errors.New("unit fees: some students failed")

// UnitFeeGenerator runs the monthly fee for one unit.
type UnitFeeGenerator interface {
	GenerateForUnit(ctx context.Context, req billing.UnitRequest) (billing.UnitResult, error)
}

// IdempotencyGuard remembers which unit/month runs already completed.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// UnitFeesJob bills the monthly installment of every configured unit.
type UnitFeesJob struct {
	Generator UnitFeeGenerator
	Guard     IdempotencyGuard
	Units     []string
	Location  *time.Location
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewUnitFeesJob constructs the job handler.
func NewUnitFeesJob(generator UnitFeeGenerator, guard IdempotencyGuard, units []string, loc *time.Location, logger *slog.Logger, metrics *jobmetrics.Metrics) *UnitFeesJob {
	return &UnitFeesJob{
		Generator: generator,
		Guard:     guard,
		Units:     units,
		Location:  loc,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the unit fee run.
func (j *UnitFeesJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Generator == nil {
		return errors.New("unit fees: dependencies not configured")
	}
	var payload UnitFeesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskUnitFees)
	resultErr := j.run(ctx, payload)
	return tracker.End(resultErr)
}

func (j *UnitFeesJob) run(ctx context.Context, payload UnitFeesPayload) error {
	month, year, err := j.resolveMonth(payload)
	if err != nil {
		j.log().Error("resolve month", slog.Int("month", payload.Month), slog.Int("year", payload.Year), slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	units := resolveUnits(payload.Unit, j.Units)
	if len(units) == 0 {
		j.log().Info("no billing units configured")
		return nil
	}

	var errs []error
	for _, unit := range units {
		if err := j.runUnit(ctx, unit, month, year, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *UnitFeesJob) runUnit(ctx context.Context, unit string, month time.Month, year int, payload UnitFeesPayload) error {
	key := fmt.Sprintf("%s:%s:%04d-%02d", TaskUnitFees, unit, year, int(month))
	logger := j.log().With(slog.String("unit", unit), slog.String("key", key))

	if !payload.Force && j.Guard != nil {
		err := j.Guard.CheckAndInsert(ctx, key, TaskUnitFees)
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			logger.Info("unit month already billed")
			return nil
		}
		if err != nil {
			logger.Error("idempotency check", slog.Any("error", err))
			return err
		}
	}

	start := j.now()
	res, err := j.Generator.GenerateForUnit(ctx, billing.UnitRequest{
		Unit:         unit,
		Month:        month,
		Year:         year,
		DefaultValue: payload.DefaultValue,
		WithSlips:    payload.WithSlips,
		Confirmed:    true,
	})
	if err != nil {
		j.release(ctx, key)
		logger.Error("generate unit fees", slog.Any("error", err))
		if errors.Is(err, shared.ErrValidation) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	m := j.metrics()
	m.AddItems(TaskUnitFees, unit, "created", len(res.Created()))
	m.AddItems(TaskUnitFees, unit, "skipped", res.Skipped())
	m.AddItems(TaskUnitFees, unit, "exempt", res.Exempt())
	m.AddItems(TaskUnitFees, unit, "failed", len(res.Students.Failed))
	m.AddItems(TaskUnitFees, unit, "blocked", res.Blocked)
	m.AddItems(TaskUnitFees, unit, "slip_failed", res.SlipFailures)

	logger.Info(res.Summary(), slog.String("reference_month", res.Reference.String()), slog.Duration("duration", j.now().Sub(start)))
	if res.Students.HasFailures() {
		j.release(ctx, key)
		return fmt.Errorf("%w: unit %s, %d of %d", ErrPartialRun, unit, len(res.Students.Failed), res.Students.Total())
	}
	return nil
}

func (j *UnitFeesJob) release(ctx context.Context, key string) {
	if j.Guard == nil {
		return
	}
	if err := j.Guard.Delete(ctx, key); err != nil {
		j.log().Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (j *UnitFeesJob) resolveMonth(payload UnitFeesPayload) (time.Month, int, error) {
	if payload.Month == 0 && payload.Year == 0 {
		now := j.now()
		if j.Location != nil {
			now = now.In(j.Location)
		}
		return now.Month(), now.Year(), nil
	}
	if payload.Month < 1 || payload.Month > 12 {
		return 0, 0, fmt.Errorf("unit fees: invalid month %d", payload.Month)
	}
	if payload.Year <= 0 {
		return 0, 0, fmt.Errorf("unit fees: invalid year %d", payload.Year)
	}
	return time.Month(payload.Month), payload.Year, nil
}

func (j *UnitFeesJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *UnitFeesJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskUnitFees))
	}
	return slog.Default().With(slog.String("job", TaskUnitFees))
}

func (j *UnitFeesJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *UnitFeesJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
