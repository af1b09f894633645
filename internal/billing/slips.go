package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/money"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
)

// issuer calls the slip gateway for one installment and records the returned slip.
type issuer struct {
	gateway slip.Gateway
	store   ledger.Store
	window  slip.Window
	metrics *Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

func (is *issuer) request(inst ledger.Installment, student StudentSnapshot) slip.IssueRequest {
	return slip.IssueRequest{
		StudentID:     inst.StudentID,
		InstallmentID: inst.ID,
		Amount:        inst.Value,
		DueDate:       inst.DueDate,
		Description:   fmt.Sprintf("%s - %s - %s", inst.Description, student.Name, money.Format(inst.Value)),
		Payer:         student.Payer,
	}
}

// issue calls the gateway and patches the slip into the ledger. Gateway errors are
// returned as-is, without retry.
func (is *issuer) issue(ctx context.Context, inst ledger.Installment, student StudentSnapshot) (*ledger.Installment, error) {
	res, err := is.gateway.IssueSlip(ctx, is.request(inst, student))
	if err != nil {
		is.metrics.slip("failed")
		is.logger.Warn("issue slip",
			slog.String("installment_id", inst.ID),
			slog.String("student_id", inst.StudentID),
			slog.String("reference_month", inst.Reference.String()),
			slog.Any("error", err))
		return nil, err
	}
	is.metrics.slip("issued")
	s := res.ToSlip(is.clock())
	updated, err := is.store.Update(ctx, inst.ID, ledger.Patch{Slip: &s})
	if err != nil {
		is.logger.Error("store issued slip",
			slog.String("installment_id", inst.ID),
			slog.String("external_payment_id", s.ExternalPaymentID),
			slog.Any("error", err))
		return nil, fmt.Errorf("billing: store slip for %s: %w", inst.ID, err)
	}
	return updated, nil
}

// SlipResult reports one IssuePending run.
type SlipResult struct {
	StudentID  string                                 `json:"student_id"`
	Issued     shared.BatchResult[ledger.Installment] `json:"-"`
	Ineligible int                                    `json:"ineligible"`
}

// IssuedCount returns the number of slips issued.
func (r SlipResult) IssuedCount() int { return len(r.Issued.Succeeded) }

// FailedCount returns the number of gateway or storage failures.
func (r SlipResult) FailedCount() int { return len(r.Issued.Failed) }

// SlipService issues slips for installments that were created without one.
type SlipService struct {
	directory Directory
	issuer    *issuer
	logger    *slog.Logger
}

// NewSlipService builds SlipService instance.
func NewSlipService(store ledger.Store, directory Directory, gateway slip.Gateway, window slip.Window, metrics *Metrics, logger *slog.Logger) *SlipService {
	if logger == nil {
		logger = slog.Default()
	}
	if gateway == nil {
		gateway = slip.NoopGateway{}
	}
	return &SlipService{
		directory: directory,
		issuer: &issuer{
			gateway: gateway,
			store:   store,
			window:  window,
			metrics: metrics,
			logger:  logger,
			clock:   time.Now,
		},
		logger: logger,
	}
}

// WithClock overrides the time source.
func (s *SlipService) WithClock(clock func() time.Time) *SlipService {
	if clock != nil {
		s.issuer.clock = clock
	}
	return s
}

// IssuePending issues slips for the student's pending installments that have none and
// are due inside the eligibility window. slip.ErrNothingEligible is returned when no
// installment qualifies, so callers can tell the user why nothing happened.
func (s *SlipService) IssuePending(ctx context.Context, studentID string) (SlipResult, error) {
	res := SlipResult{StudentID: studentID}
	student, err := s.directory.Profile(ctx, studentID)
	if err != nil {
		return res, err
	}
	if err := student.Payer.Validate(); err != nil {
		return res, invalid(studentID, "payer data incomplete", slip.InvalidFields(err)...)
	}
	pending := ledger.StatusPending
	items, err := s.issuer.store.FindByStudent(ctx, studentID, &pending)
	if err != nil {
		return res, err
	}
	var candidates []ledger.Installment
	for _, inst := range items {
		if !inst.Slip.Issued() {
			candidates = append(candidates, inst)
		}
	}
	eligible, rest := s.issuer.window.Filter(candidates, s.issuer.clock())
	res.Ineligible = len(rest)
	if len(eligible) == 0 {
		return res, slip.ErrNothingEligible
	}
	for _, inst := range eligible {
		updated, err := s.issuer.issue(ctx, inst, *student)
		if err != nil {
			res.Issued.Fail(inst, err)
			continue
		}
		res.Issued.Ok(*updated)
	}
	s.logger.Info("pending slips issued",
		slog.String("student_id", studentID),
		slog.Int("issued", res.IssuedCount()),
		slog.Int("failed", res.FailedCount()),
		slog.Int("ineligible", res.Ineligible))
	return res, nil
}

// IssueUnit runs IssuePending for every non-blocked student of a unit. Students with
// nothing eligible are not failures.
func (s *SlipService) IssueUnit(ctx context.Context, unit string) (shared.BatchResult[SlipResult], error) {
	var out shared.BatchResult[SlipResult]
	roster, err := s.directory.Roster(ctx, unit)
	if err != nil {
		return out, err
	}
	for _, student := range roster {
		if student.Blocked {
			continue
		}
		res, err := s.IssuePending(ctx, student.ID)
		switch {
		case errors.Is(err, slip.ErrNothingEligible):
			continue
		case err != nil:
			s.logger.Warn("slip sweep student", slog.String("student_id", student.ID), slog.Any("error", err))
			out.Fail(res, err)
		default:
			out.Ok(res)
		}
	}
	return out, nil
}
