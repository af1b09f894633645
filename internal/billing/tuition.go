package billing

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/tuition"
)

// TuitionEdit is one user interaction with the tuition calculator: the edited field
// and its new value, or a scholarship toggle.
type TuitionEdit struct {
	Field       tuition.Field
	Value       decimal.Decimal
	Scholarship *bool
}

// Apply runs the edit against the profile.
func (e TuitionEdit) Apply(p tuition.Profile) tuition.Profile {
	if e.Scholarship != nil {
		p = p.SetScholarship(*e.Scholarship)
	}
	switch e.Field {
	case tuition.FieldBase:
		p = p.SetBase(e.Value)
	case tuition.FieldDiscount:
		p = p.SetDiscount(e.Value)
	case tuition.FieldFinal:
		p = p.SetFinal(e.Value)
	}
	return p
}

// TuitionService stores calculator edits on the student record.
type TuitionService struct {
	directory Directory
	logger    *slog.Logger
}

// NewTuitionService builds TuitionService instance.
func NewTuitionService(directory Directory, logger *slog.Logger) *TuitionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TuitionService{directory: directory, logger: logger}
}

// Update applies the edit to the stored profile and persists the result.
func (s *TuitionService) Update(ctx context.Context, studentID string, edit TuitionEdit) (tuition.Profile, error) {
	student, err := s.directory.Profile(ctx, studentID)
	if err != nil {
		return tuition.Profile{}, err
	}
	updated := edit.Apply(student.Tuition)
	if err := s.directory.SaveTuition(ctx, studentID, updated); err != nil {
		return tuition.Profile{}, err
	}
	s.logger.Info("tuition updated",
		slog.String("student_id", studentID),
		slog.String("edited", string(updated.LastEdited)),
		slog.Bool("scholarship", updated.Scholarship))
	return updated, nil
}
