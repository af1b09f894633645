package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

var (
	// ErrStudentNotFound indicates the directory has no record for the student.
	ErrStudentNotFound = fmt.Errorf("billing: student %w", shared.ErrNotFound)
	// ErrGenerationInProgress is returned while another call bills the same student.
	ErrGenerationInProgress = fmt.Errorf("billing: generation in progress: %w", shared.ErrLocked)
	// ErrNotConfirmed rejects mutating calls without an explicit go-ahead.
	ErrNotConfirmed = fmt.Errorf("billing: %w", shared.ErrNotConfirmed)
	// ErrStudentBlocked rejects billing for blocked students.
	ErrStudentBlocked = errors.New("billing: student is blocked")
)

// ValidationError lists billing fields that prevent generation. It is returned before
// any installment is written.
type ValidationError struct {
	StudentID string
	Fields    []string
	Reason    string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("billing: invalid request")
	if e.StudentID != "" {
		b.WriteString(" for student ")
		b.WriteString(e.StudentID)
	}
	if len(e.Fields) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Fields, ", "))
	}
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap lets callers match shared.ErrValidation.
func (e *ValidationError) Unwrap() error {
	return shared.ErrValidation
}

func invalid(studentID, reason string, fields ...string) error {
	return &ValidationError{StudentID: studentID, Fields: fields, Reason: reason}
}
