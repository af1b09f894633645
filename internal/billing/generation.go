// Package billing generates monthly tuition installments, assigns their billing codes
// and requests payment slips for them.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/tuition-ledger/internal/doccode"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/money"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
)

// DefaultDueDay is the calendar day installments fall due.
const DefaultDueDay = 5

// Options tunes the generation services.
type Options struct {
	DueDay   int
	Location *time.Location
	Window   slip.Window
	Metrics  *Metrics
	Clock    func() time.Time
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.DueDay <= 0 {
		o.DueDay = DefaultDueDay
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Window.Days <= 0 {
		o.Window = slip.NewWindow(0)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// GenerateRequest asks for one installment per month of [StartMonth, EndMonth] in Year.
// Value overrides the student's tuition when set; it may be a string, a decimal or a
// plain number.
type GenerateRequest struct {
	StudentID  string
	StartMonth time.Month
	EndMonth   time.Month
	Year       int
	Value      any
	WithSlips  bool
	Confirmed  bool
}

// GenerateResult reports one generation call.
type GenerateResult struct {
	StudentID    string
	Series       doccode.Series
	Anchored     bool
	Installments shared.BatchResult[ledger.Installment]
	Skipped      []ledger.ReferenceMonth
	Slips        shared.BatchResult[ledger.Installment]
	SlipSkipped  int
	// Exempt is set when the student holds a full scholarship and no explicit value
	// was given; nothing is written.
	Exempt bool
	// Shared is set when the result was produced by an identical in-flight call.
	Shared bool
}

// Count is the number of installments created by the call.
func (r GenerateResult) Count() int {
	return len(r.Installments.Succeeded)
}

// Summary renders the outcome for end users.
func (r GenerateResult) Summary() string {
	if r.Exempt {
		return "student holds a full scholarship, nothing to charge"
	}
	return fmt.Sprintf("%d installments created, %d already existed, %d failed, %d slip failures",
		r.Count(), len(r.Skipped), len(r.Installments.Failed), len(r.Slips.Failed))
}

// GenerationService creates a student's installments for a month range.
type GenerationService struct {
	store     ledger.Store
	directory Directory
	sequencer *doccode.Sequencer
	locker    *shared.StudentLocker
	issuer    *issuer
	opts      Options
	logger    *slog.Logger
	group     singleflight.Group
}

// NewGenerationService builds GenerationService instance. A nil locker disables the
// cross-process student lock.
func NewGenerationService(store ledger.Store, directory Directory, sequencer *doccode.Sequencer, gateway slip.Gateway, locker *shared.StudentLocker, logger *slog.Logger, opts Options) *GenerationService {
	if logger == nil {
		logger = slog.Default()
	}
	if gateway == nil {
		gateway = slip.NoopGateway{}
	}
	opts = opts.withDefaults()
	return &GenerationService{
		store:     store,
		directory: directory,
		sequencer: sequencer,
		locker:    locker,
		issuer: &issuer{
			gateway: gateway,
			store:   store,
			window:  opts.Window,
			metrics: opts.Metrics,
			logger:  logger,
			clock:   opts.Clock,
		},
		opts:   opts,
		logger: logger,
	}
}

// Generate creates the missing installments of the requested range. Months that already
// have an installment are skipped, so repeating a call creates nothing. Validation
// failures are returned before anything is written; per-month insert and slip failures
// are recorded in the result without stopping the remaining months.
//
// Identical concurrent calls for the same student are coalesced: every caller gets the
// same result with Shared set on all but the first, and the work runs on the first
// caller's context.
func (s *GenerationService) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if !req.Confirmed {
		return GenerateResult{StudentID: req.StudentID}, ErrNotConfirmed
	}
	if err := validateRange(req); err != nil {
		return GenerateResult{StudentID: req.StudentID}, err
	}
	key := fmt.Sprintf("%s:%d:%d-%d:%v:%t", req.StudentID, req.Year, req.StartMonth, req.EndMonth, req.Value, req.WithSlips)
	v, err, coalesced := s.group.Do(key, func() (any, error) {
		return s.generate(ctx, req)
	})
	res, _ := v.(GenerateResult)
	if coalesced {
		s.logger.Debug("generation coalesced", slog.String("student_id", req.StudentID))
		res.Shared = true
	}
	return res, err
}

func (s *GenerationService) generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	res := GenerateResult{StudentID: req.StudentID}
	student, err := s.directory.Profile(ctx, req.StudentID)
	if err != nil {
		return res, err
	}
	if student.Blocked {
		return res, ErrStudentBlocked
	}
	if exempt(*student, req.Value) {
		s.opts.Metrics.skip("scholarship")
		s.logger.Info("scholarship student exempt", slog.String("student_id", student.ID), slog.Int("year", req.Year))
		res.Exempt = true
		return res, nil
	}
	value, err := resolveValue(*student, req.Value)
	if err != nil {
		return res, err
	}
	if req.WithSlips {
		if err := student.Payer.Validate(); err != nil {
			return res, invalid(student.ID, "payer data required for slips", slip.InvalidFields(err)...)
		}
	}

	release, err := s.lock(ctx, student.ID)
	if err != nil {
		return res, err
	}
	defer release()

	months := make([]ledger.ReferenceMonth, 0, int(req.EndMonth-req.StartMonth)+1)
	for m := req.StartMonth; m <= req.EndMonth; m++ {
		months = append(months, ledger.NewReferenceMonth(req.Year, m))
	}
	run, err := s.run(ctx, *student, months, value, req.WithSlips, "student")
	if err != nil {
		return run, err
	}
	s.logger.Info("installments generated",
		slog.String("student_id", student.ID),
		slog.Int("year", req.Year),
		slog.Int("start_month", int(req.StartMonth)),
		slog.Int("end_month", int(req.EndMonth)),
		slog.Int("created", run.Count()),
		slog.Int("skipped", len(run.Skipped)),
		slog.Int("failed", len(run.Installments.Failed)),
		slog.Int("slip_failures", len(run.Slips.Failed)))
	return run, nil
}

func (s *GenerationService) lock(ctx context.Context, studentID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, studentID)
	if errors.Is(err, shared.ErrLocked) {
		return nil, ErrGenerationInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("billing: acquire student lock: %w", err)
	}
	return release, nil
}

// run creates the given months in order using one series for the whole call. The
// series is anchored on the student's existing codes for the year when present.
func (s *GenerationService) run(ctx context.Context, student StudentSnapshot, months []ledger.ReferenceMonth, value decimal.Decimal, withSlips bool, flow string) (GenerateResult, error) {
	res := GenerateResult{StudentID: student.ID}
	if len(months) == 0 {
		return res, nil
	}
	series, anchored, err := s.seriesFor(ctx, student.ID, months[0].Year)
	if err != nil {
		return res, err
	}
	res.Series, res.Anchored = series, anchored

	for _, ref := range months {
		exists, err := ledger.Exists(ctx, s.store, student.ID, ref)
		if err != nil {
			return res, fmt.Errorf("billing: lookup %s %s: %w", student.ID, ref, err)
		}
		if exists {
			s.opts.Metrics.skip("exists")
			res.Skipped = append(res.Skipped, ref)
			continue
		}

		inst := ledger.Installment{
			ID:             s.opts.NewID(),
			StudentID:      student.ID,
			Reference:      ref,
			Value:          value,
			DueDate:        ref.DueDate(s.opts.DueDay, s.opts.Location),
			Status:         ledger.StatusPending,
			DocumentNumber: series.Code(ref),
			Description:    "Mensalidade " + ref.String(),
		}
		created, err := s.store.Insert(ctx, inst)
		switch {
		case errors.Is(err, ledger.ErrDuplicate):
			s.opts.Metrics.skip("race")
			res.Skipped = append(res.Skipped, ref)
			continue
		case err != nil:
			s.opts.Metrics.installment(flow, err)
			s.logger.Warn("insert installment",
				slog.String("student_id", student.ID),
				slog.String("reference_month", ref.String()),
				slog.Any("error", err))
			res.Installments.Fail(inst, err)
			continue
		}
		s.opts.Metrics.installment(flow, nil)

		if withSlips {
			if !s.issuer.window.Eligible(created.DueDate, s.opts.Clock()) {
				res.SlipSkipped++
			} else if updated, err := s.issuer.issue(ctx, *created, student); err != nil {
				res.Slips.Fail(*created, err)
			} else {
				res.Slips.Ok(*updated)
				created = updated
			}
		}
		res.Installments.Ok(*created)
	}
	return res, nil
}

func (s *GenerationService) seriesFor(ctx context.Context, studentID string, year int) (doccode.Series, bool, error) {
	existing, err := s.store.FindByStudent(ctx, studentID, nil)
	if err != nil {
		return doccode.Series{}, false, fmt.Errorf("billing: load installments of %s: %w", studentID, err)
	}
	series, anchored := s.sequencer.ResolveSeries(cycleOf(existing, year))
	return series, anchored, nil
}

// Sequence assigns missing billing codes to the student's installments of one year.
func (s *GenerationService) Sequence(ctx context.Context, studentID string, year int) (doccode.Result, error) {
	release, err := s.lock(ctx, studentID)
	if err != nil {
		return doccode.Result{}, err
	}
	defer release()
	existing, err := s.store.FindByStudent(ctx, studentID, nil)
	if err != nil {
		return doccode.Result{}, err
	}
	return s.sequencer.EnsureSequential(ctx, cycleOf(existing, year)), nil
}

func cycleOf(items []ledger.Installment, year int) []ledger.Installment {
	var cycle []ledger.Installment
	for _, inst := range items {
		if inst.Reference.Year == year {
			cycle = append(cycle, inst)
		}
	}
	return cycle
}

func validateRange(req GenerateRequest) error {
	var fields []string
	if req.StudentID == "" {
		fields = append(fields, "student_id")
	}
	if req.StartMonth < time.January || req.StartMonth > time.December {
		fields = append(fields, "start_month")
	}
	if req.EndMonth < time.January || req.EndMonth > time.December || req.EndMonth < req.StartMonth {
		fields = append(fields, "end_month")
	}
	if req.Year < 1 {
		fields = append(fields, "year")
	}
	if len(fields) > 0 {
		return invalid(req.StudentID, "invalid month range", fields...)
	}
	return nil
}

// exempt reports whether a full scholarship waives the charge. Only an explicit
// per-student value bills a scholarship student; unit defaults never do.
func exempt(student StudentSnapshot, explicit any) bool {
	return student.Tuition.Scholarship && explicit == nil
}

// resolveValue picks the explicit override or the student's charged tuition. Explicit
// strings are parsed strictly so a typo is reported instead of billing zero.
func resolveValue(student StudentSnapshot, explicit any) (decimal.Decimal, error) {
	var value decimal.Decimal
	switch v := explicit.(type) {
	case nil:
		if err := student.Tuition.Validate(); err != nil {
			return decimal.Zero, invalid(student.ID, err.Error(), "value")
		}
		value = student.Tuition.Charge()
	case string:
		parsed, err := money.Parse(v)
		if err != nil {
			return decimal.Zero, invalid(student.ID, err.Error(), "value")
		}
		value = parsed
	default:
		value = money.Normalize(v)
	}
	if !value.IsPositive() {
		return decimal.Zero, invalid(student.ID, "nothing to charge", "value")
	}
	return value, nil
}
