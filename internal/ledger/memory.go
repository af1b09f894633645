package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

type studentMonthKey struct {
	studentID string
	ref       ReferenceMonth
}

// MemoryStore keeps installments in process memory. It backs local development and
// tests; the existence check and insert happen under one mutex.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Installment
	keys  map[studentMonthKey]string
	clock func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]Installment),
		keys:  make(map[studentMonthKey]string),
		clock: time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// Len returns the number of stored installments.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (m *MemoryStore) FindByStudentAndMonth(ctx context.Context, studentID string, ref ReferenceMonth) (*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[studentMonthKey{studentID: studentID, ref: ref}]
	if !ok {
		return nil, ErrNotFound
	}
	inst := m.items[id]
	return &inst, nil
}

func (m *MemoryStore) FindByStudent(ctx context.Context, studentID string, status *Status) ([]Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Installment
	for _, inst := range m.items {
		if inst.StudentID != studentID {
			continue
		}
		if status != nil && inst.Status != *status {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Reference.Before(out[j].Reference)
	})
	return out, nil
}

func (m *MemoryStore) FindByExternalPaymentID(ctx context.Context, externalID string) (*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, inst := range m.items {
		if inst.Slip.ExternalPaymentID == externalID {
			return &inst, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Insert(ctx context.Context, inst Installment) (*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := studentMonthKey{studentID: inst.StudentID, ref: inst.Reference}
	if _, exists := m.keys[key]; exists {
		return nil, ErrDuplicate
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if _, exists := m.items[inst.ID]; exists {
		return nil, ErrDuplicate
	}
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	now := m.clock()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	m.items[inst.ID] = inst
	m.keys[key] = inst.ID
	return &inst, nil
}

func (m *MemoryStore) BatchInsert(ctx context.Context, items []Installment) shared.BatchResult[Installment] {
	return insertEach(ctx, items, m.Insert)
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Installment, error) {
	if patch.Empty() {
		return nil, ErrEmptyPatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.apply(&inst)
	inst.UpdatedAt = m.clock()
	m.items[id] = inst
	return &inst, nil
}

func (m *MemoryStore) AssignDocumentNumber(ctx context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if inst.HasDocumentNumber() {
		return ErrDocumentNumberAssigned
	}
	inst.DocumentNumber = code
	inst.UpdatedAt = m.clock()
	m.items[id] = inst
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	delete(m.keys, studentMonthKey{studentID: inst.StudentID, ref: inst.Reference})
	return nil
}
