package billing

import (
	"context"
	"sync"

	"github.com/odyssey-erp/tuition-ledger/internal/tuition"
)

// MemoryDirectory is an in-process Directory used by tests and local tooling. Roster
// keeps insertion order.
type MemoryDirectory struct {
	mu       sync.Mutex
	students map[string]StudentSnapshot
	order    []string
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory seeds the directory.
func NewMemoryDirectory(students ...StudentSnapshot) *MemoryDirectory {
	d := &MemoryDirectory{students: make(map[string]StudentSnapshot)}
	for _, s := range students {
		d.Put(s)
	}
	return d
}

// Put inserts or replaces a student.
func (d *MemoryDirectory) Put(s StudentSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.students[s.ID]; !ok {
		d.order = append(d.order, s.ID)
	}
	d.students[s.ID] = s
}

func (d *MemoryDirectory) Profile(ctx context.Context, studentID string) (*StudentSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.students[studentID]
	if !ok {
		return nil, ErrStudentNotFound
	}
	return &s, nil
}

func (d *MemoryDirectory) Roster(ctx context.Context, unit string) ([]StudentSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []StudentSnapshot
	for _, id := range d.order {
		if s := d.students[id]; s.Unit == unit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) SaveTuition(ctx context.Context, studentID string, p tuition.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.students[studentID]
	if !ok {
		return ErrStudentNotFound
	}
	s.Tuition = p
	d.students[studentID] = s
	return nil
}
