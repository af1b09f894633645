package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/money"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

// UnitRequest asks for one month's installment for every active student of a unit.
// DefaultValue is charged to students without a tuition value of their own.
type UnitRequest struct {
	Unit         string
	Month        time.Month
	Year         int
	DefaultValue any
	WithSlips    bool
	Confirmed    bool
}

// StudentOutcome is what happened to one student of the roster.
type StudentOutcome struct {
	StudentID string
	Created   *ledger.Installment
	Skipped   bool
	Exempt    bool
}

// UnitResult aggregates a unit run. Students holds one entry per non-blocked student.
type UnitResult struct {
	Unit         string
	Reference    ledger.ReferenceMonth
	Students     shared.BatchResult[StudentOutcome]
	Blocked      int
	SlipFailures int
}

// Created returns the installments written by the run.
func (r UnitResult) Created() []ledger.Installment {
	var out []ledger.Installment
	for _, o := range r.Students.Succeeded {
		if o.Created != nil {
			out = append(out, *o.Created)
		}
	}
	return out
}

// Skipped counts students that already had an installment for the month.
func (r UnitResult) Skipped() int {
	n := 0
	for _, o := range r.Students.Succeeded {
		if o.Skipped {
			n++
		}
	}
	return n
}

// Exempt counts full-scholarship students, which are never charged the unit default.
func (r UnitResult) Exempt() int {
	n := 0
	for _, o := range r.Students.Succeeded {
		if o.Exempt {
			n++
		}
	}
	return n
}

// Summary renders the aggregate message shown after a batch run.
func (r UnitResult) Summary() string {
	return fmt.Sprintf("%d installments created across %d students, %d slip failures",
		len(r.Created()), r.Students.Total(), r.SlipFailures)
}

// BatchFeeService fans generation out over a unit's roster for a single month.
type BatchFeeService struct {
	generator *GenerationService
	logger    *slog.Logger
}

// NewBatchFeeService builds BatchFeeService instance.
func NewBatchFeeService(generator *GenerationService, logger *slog.Logger) *BatchFeeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchFeeService{generator: generator, logger: logger}
}

// GenerateForUnit processes students one at a time. A failing student is recorded and
// the run moves on to the next one.
func (s *BatchFeeService) GenerateForUnit(ctx context.Context, req UnitRequest) (UnitResult, error) {
	ref := ledger.NewReferenceMonth(req.Year, req.Month)
	res := UnitResult{Unit: req.Unit, Reference: ref}
	if !req.Confirmed {
		return res, ErrNotConfirmed
	}
	if req.Unit == "" || !ref.Valid() {
		return res, invalid("", "unit and reference month required", "unit", "month", "year")
	}
	defaultValue, err := parseDefault(req.DefaultValue)
	if err != nil {
		return res, err
	}

	roster, err := s.generator.directory.Roster(ctx, req.Unit)
	if err != nil {
		return res, fmt.Errorf("billing: load roster of %s: %w", req.Unit, err)
	}
	for _, student := range roster {
		if student.Blocked {
			res.Blocked++
			s.generator.opts.Metrics.skip("blocked")
			continue
		}
		outcome, slipFailed, err := s.generateOne(ctx, student, ref, defaultValue, req.WithSlips)
		if slipFailed {
			res.SlipFailures++
		}
		if err != nil {
			s.logger.Warn("unit fee student",
				slog.String("unit", req.Unit),
				slog.String("student_id", student.ID),
				slog.Any("error", err))
			res.Students.Fail(outcome, err)
			continue
		}
		res.Students.Ok(outcome)
	}
	s.logger.Info("unit fees generated",
		slog.String("unit", req.Unit),
		slog.String("reference_month", ref.String()),
		slog.Int("created", len(res.Created())),
		slog.Int("students", res.Students.Total()),
		slog.Int("failed", len(res.Students.Failed)),
		slog.Int("slip_failures", res.SlipFailures))
	return res, nil
}

func (s *BatchFeeService) generateOne(ctx context.Context, student StudentSnapshot, ref ledger.ReferenceMonth, defaultValue decimal.Decimal, withSlips bool) (StudentOutcome, bool, error) {
	outcome := StudentOutcome{StudentID: student.ID}
	if exempt(student, nil) {
		s.generator.opts.Metrics.skip("scholarship")
		outcome.Exempt = true
		return outcome, false, nil
	}
	value := student.Tuition.Charge()
	if !value.IsPositive() {
		value = defaultValue
	}
	if !value.IsPositive() {
		return outcome, false, invalid(student.ID, "no tuition value and no default", "value")
	}

	release, err := s.generator.lock(ctx, student.ID)
	if err != nil {
		return outcome, false, err
	}
	defer release()

	run, err := s.generator.run(ctx, student, []ledger.ReferenceMonth{ref}, value, withSlips, "unit")
	if err != nil {
		return outcome, false, err
	}
	slipFailed := run.Slips.HasFailures()
	if run.Installments.HasFailures() {
		return outcome, slipFailed, errors.Join(run.Installments.Errors()...)
	}
	if len(run.Installments.Succeeded) > 0 {
		created := run.Installments.Succeeded[0]
		outcome.Created = &created
	} else {
		outcome.Skipped = true
	}
	return outcome, slipFailed, nil
}

func parseDefault(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if d == "" {
			return decimal.Zero, nil
		}
		parsed, err := money.Parse(d)
		if err != nil {
			return decimal.Zero, invalid("", err.Error(), "default_value")
		}
		return parsed, nil
	default:
		return money.Normalize(d), nil
	}
}
