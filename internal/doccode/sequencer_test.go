package doccode

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
)

func seedYear(t *testing.T, store *ledger.MemoryStore, studentID string, year int, codes map[time.Month]string) []ledger.Installment {
	t.Helper()
	ctx := context.Background()
	var out []ledger.Installment
	for m := time.January; m <= time.December; m++ {
		ref := ledger.NewReferenceMonth(year, m)
		inst, err := store.Insert(ctx, ledger.Installment{
			StudentID:      studentID,
			Reference:      ref,
			Value:          decimal.NewFromInt(500),
			DueDate:        ref.DueDate(5, time.UTC),
			DocumentNumber: codes[m],
		})
		require.NoError(t, err)
		out = append(out, *inst)
	}
	return out
}

func codeOf(t *testing.T, inst ledger.Installment) int64 {
	t.Helper()
	n, err := strconv.ParseInt(inst.DocumentNumber, 10, 64)
	require.NoError(t, err)
	return n
}

func TestEnsureSequentialAssignsMonotonicCodes(t *testing.T) {
	store := ledger.NewMemoryStore()
	items := seedYear(t, store, "stu-1", 2026, nil)
	seq := NewSequencer(store, nil)

	res := seq.EnsureSequential(context.Background(), items)
	require.False(t, res.Anchored)
	require.Len(t, res.Assigned.Succeeded, 12)
	require.False(t, res.Assigned.HasFailures())

	for i := 1; i < len(res.Installments); i++ {
		prev, cur := res.Installments[i-1], res.Installments[i]
		require.Equal(t, int64(cur.Reference.Index()-prev.Reference.Index()), codeOf(t, cur)-codeOf(t, prev))
	}
	first := codeOf(t, res.Installments[0])
	last := codeOf(t, res.Installments[11])
	require.GreaterOrEqual(t, first, MinBase+1)
	require.LessOrEqual(t, last, int64(999999))

	stored, err := store.FindByStudent(context.Background(), "stu-1", nil)
	require.NoError(t, err)
	for _, inst := range stored {
		require.NotEmpty(t, inst.DocumentNumber)
	}
}

func TestEnsureSequentialPreservesAnchor(t *testing.T) {
	store := ledger.NewMemoryStore()
	items := seedYear(t, store, "stu-1", 2026, map[time.Month]string{time.March: "500003"})
	seq := NewSequencer(store, nil).WithSource(func() int64 {
		t.Fatal("fresh base must not be drawn when an anchor exists")
		return 0
	})

	res := seq.EnsureSequential(context.Background(), items)
	require.True(t, res.Anchored)
	require.Equal(t, int64(500000), res.Series.Base)
	require.Len(t, res.Assigned.Succeeded, 11)
	require.Equal(t, "500001", res.Installments[0].DocumentNumber)
	require.Equal(t, "500003", res.Installments[2].DocumentNumber)
	require.Equal(t, "500012", res.Installments[11].DocumentNumber)
}

func TestEnsureSequentialFirstAnchorWins(t *testing.T) {
	store := ledger.NewMemoryStore()
	items := seedYear(t, store, "stu-1", 2026, map[time.Month]string{
		time.February: "700002",
		time.June:     "123456",
	})
	// Present the set out of calendar order; the earliest month still anchors.
	items[0], items[11] = items[11], items[0]

	res := NewSequencer(store, nil).EnsureSequential(context.Background(), items)
	require.Equal(t, int64(700000), res.Series.Base)

	got, err := store.FindByStudentAndMonth(context.Background(), "stu-1", ledger.NewReferenceMonth(2026, time.June))
	require.NoError(t, err)
	require.Equal(t, "123456", got.DocumentNumber)
	got, err = store.FindByStudentAndMonth(context.Background(), "stu-1", ledger.NewReferenceMonth(2026, time.December))
	require.NoError(t, err)
	require.Equal(t, "700012", got.DocumentNumber)
}

func TestEnsureSequentialSkipsNonNumericAnchor(t *testing.T) {
	store := ledger.NewMemoryStore()
	items := seedYear(t, store, "stu-1", 2026, map[time.Month]string{time.January: "ABC-1"})
	seq := NewSequencer(store, nil).WithSource(func() int64 { return 300000 })

	res := seq.EnsureSequential(context.Background(), items)
	require.False(t, res.Anchored)
	require.Equal(t, "ABC-1", res.Installments[0].DocumentNumber)
	require.Equal(t, "300002", res.Installments[1].DocumentNumber)
}

func TestEnsureSequentialEmptySet(t *testing.T) {
	res := NewSequencer(ledger.NewMemoryStore(), nil).EnsureSequential(context.Background(), nil)
	require.Empty(t, res.Installments)
	require.Zero(t, res.Assigned.Total())
}

type failingStore struct {
	failID string
	calls  int
}

func (f *failingStore) AssignDocumentNumber(ctx context.Context, id, code string) error {
	f.calls++
	if id == f.failID {
		return errors.New("write timeout")
	}
	return nil
}

func TestEnsureSequentialContinuesAfterFailure(t *testing.T) {
	store := &failingStore{failID: "b"}
	items := []ledger.Installment{
		{ID: "a", Reference: ledger.NewReferenceMonth(2026, time.January)},
		{ID: "b", Reference: ledger.NewReferenceMonth(2026, time.February)},
		{ID: "c", Reference: ledger.NewReferenceMonth(2026, time.March)},
	}
	res := NewSequencer(store, nil).WithSource(func() int64 { return 400000 }).EnsureSequential(context.Background(), items)
	require.Equal(t, 3, store.calls)
	require.Len(t, res.Assigned.Succeeded, 2)
	require.Len(t, res.Assigned.Failed, 1)
	require.Empty(t, res.Installments[1].DocumentNumber)
	require.Equal(t, "400003", res.Installments[2].DocumentNumber)
	// The input slice is not mutated.
	require.Empty(t, items[0].DocumentNumber)
}

func TestFromAnchor(t *testing.T) {
	s, err := FromAnchor("500003", ledger.NewReferenceMonth(2026, time.March))
	require.NoError(t, err)
	require.Equal(t, "500012", s.Code(ledger.NewReferenceMonth(2026, time.December)))

	_, err = FromAnchor("x", ledger.NewReferenceMonth(2026, time.March))
	require.ErrorIs(t, err, ErrInvalidCode)
}
