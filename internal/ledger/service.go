package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrExternalIDRequired rejects confirmations without a gateway payment id.
var ErrExternalIDRequired = errors.New("ledger: external payment id required")

// Service covers settlement and administrative operations on installments.
type Service struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewService builds Service instance.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, clock: time.Now}
}

// WithClock overrides the time source used for effective status and settlement.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Store exposes the underlying store to collaborating services.
func (s *Service) Store() Store {
	return s.store
}

// ListForStudent returns a student's installments with the effective status applied.
// Filtering happens on the effective status, so OVERDUE matches pending items past due.
func (s *Service) ListForStudent(ctx context.Context, studentID string, status *Status) ([]Installment, error) {
	var stored *Status
	if status != nil {
		st := *status
		if st == StatusOverdue {
			st = StatusPending
		}
		stored = &st
	}
	items, err := s.store.FindByStudent(ctx, studentID, stored)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]Installment, 0, len(items))
	for _, inst := range items {
		inst.Status = inst.EffectiveStatus(now)
		if status != nil && inst.Status != *status {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Settle marks an installment as paid manually. Settling a paid installment is a no-op.
func (s *Service) Settle(ctx context.Context, id string, paidAt time.Time) (*Installment, error) {
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.markPaid(ctx, inst, paidAt, "manual")
}

// ConfirmExternal marks the installment linked to a gateway payment as paid.
func (s *Service) ConfirmExternal(ctx context.Context, externalID string, paidAt time.Time) (*Installment, error) {
	if externalID == "" {
		return nil, ErrExternalIDRequired
	}
	inst, err := s.store.FindByExternalPaymentID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.markPaid(ctx, inst, paidAt, "gateway")
}

// Remove deletes an installment on explicit administrative request.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("installment removed", slog.String("installment_id", id))
	return nil
}

func (s *Service) markPaid(ctx context.Context, inst *Installment, paidAt time.Time, source string) (*Installment, error) {
	if inst.Status == StatusPaid {
		return inst, nil
	}
	if paidAt.IsZero() {
		paidAt = s.clock()
	}
	status := StatusPaid
	updated, err := s.store.Update(ctx, inst.ID, Patch{Status: &status, PaidAt: &paidAt})
	if err != nil {
		return nil, err
	}
	s.logger.Info("installment settled",
		slog.String("installment_id", inst.ID),
		slog.String("student_id", inst.StudentID),
		slog.String("reference_month", inst.Reference.String()),
		slog.String("source", source),
	)
	return updated, nil
}
