package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a record for the same natural key already exists.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation marks input rejected before any write happened.
	ErrValidation = errors.New("validation failed")
	// ErrNotConfirmed is returned when a mutating operation lacks an explicit go-ahead.
	ErrNotConfirmed = errors.New("operation not confirmed")
	// ErrLocked indicates another caller holds the lock for the same student.
	ErrLocked = errors.New("lock held by another operation")
)
