package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

var (
	// ErrNotFound indicates the installment does not exist.
	ErrNotFound = fmt.Errorf("ledger: installment %w", shared.ErrNotFound)
	// ErrDuplicate indicates an installment for the same student and month already exists.
	ErrDuplicate = fmt.Errorf("ledger: installment for student and month %w", shared.ErrDuplicate)
	// ErrDocumentNumberAssigned guards the write-once billing code.
	ErrDocumentNumberAssigned = errors.New("ledger: document number already assigned")
	// ErrEmptyPatch rejects updates without fields.
	ErrEmptyPatch = errors.New("ledger: nothing to update")
)

// Store is the persistence contract for installments. Insert is conditional: it never
// creates a second installment for the same (student, reference month) pair.
type Store interface {
	Get(ctx context.Context, id string) (*Installment, error)
	FindByStudentAndMonth(ctx context.Context, studentID string, ref ReferenceMonth) (*Installment, error)
	FindByStudent(ctx context.Context, studentID string, status *Status) ([]Installment, error)
	FindByExternalPaymentID(ctx context.Context, externalID string) (*Installment, error)
	Insert(ctx context.Context, inst Installment) (*Installment, error)
	BatchInsert(ctx context.Context, items []Installment) shared.BatchResult[Installment]
	Update(ctx context.Context, id string, patch Patch) (*Installment, error)
	AssignDocumentNumber(ctx context.Context, id, code string) error
	Delete(ctx context.Context, id string) error
}

// Exists reports whether an installment is already recorded for the student and month.
func Exists(ctx context.Context, store Store, studentID string, ref ReferenceMonth) (bool, error) {
	_, err := store.FindByStudentAndMonth(ctx, studentID, ref)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func insertEach(ctx context.Context, items []Installment, insert func(context.Context, Installment) (*Installment, error)) shared.BatchResult[Installment] {
	var res shared.BatchResult[Installment]
	for _, item := range items {
		created, err := insert(ctx, item)
		if err != nil {
			res.Fail(item, err)
			continue
		}
		res.Ok(*created)
	}
	return res
}
