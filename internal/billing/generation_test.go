package billing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tuition-ledger/internal/doccode"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

func fullYear(studentID string) GenerateRequest {
	return GenerateRequest{
		StudentID:  studentID,
		StartMonth: time.January,
		EndMonth:   time.December,
		Year:       2026,
		Confirmed:  true,
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))
	ctx := context.Background()

	first, err := fx.service.Generate(ctx, fullYear("stu-1"))
	require.NoError(t, err)
	require.Equal(t, 12, first.Count())
	require.Empty(t, first.Skipped)

	second, err := fx.service.Generate(ctx, fullYear("stu-1"))
	require.NoError(t, err)
	require.Equal(t, 0, second.Count())
	require.Len(t, second.Skipped, 12)
	require.Equal(t, 12, fx.store.Len())
}

func TestGenerateAssignsMonotonicCodesAndDueDates(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))

	res, err := fx.service.Generate(context.Background(), fullYear("stu-1"))
	require.NoError(t, err)
	require.False(t, res.Anchored)
	require.Equal(t, int64(700000), res.Series.Base)

	items := res.Installments.Succeeded
	require.Len(t, items, 12)
	for i, inst := range items {
		require.Equal(t, time.Month(i+1), inst.Reference.Month)
		require.Equal(t, strconv.Itoa(700000+i+1), inst.DocumentNumber)
		require.Equal(t, 5, inst.DueDate.Day())
		require.Equal(t, ledger.StatusPending, inst.Status)
		require.True(t, inst.Value.Equal(decimal.NewFromInt(850)))
	}
}

func TestGenerateInheritsExistingAnchor(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))
	ctx := context.Background()
	_, err := fx.store.Insert(ctx, ledger.Installment{
		ID:             "march",
		StudentID:      "stu-1",
		Reference:      ledger.NewReferenceMonth(2026, time.March),
		Value:          decimal.NewFromInt(850),
		DocumentNumber: "500003",
	})
	require.NoError(t, err)

	res, err := fx.service.Generate(ctx, fullYear("stu-1"))
	require.NoError(t, err)
	require.True(t, res.Anchored)
	require.Equal(t, 11, res.Count())
	require.Equal(t, "500001", res.Installments.Succeeded[0].DocumentNumber)
	require.Equal(t, "500012", res.Installments.Succeeded[10].DocumentNumber)

	march, err := fx.store.Get(ctx, "march")
	require.NoError(t, err)
	require.Equal(t, "500003", march.DocumentNumber)
}

func TestGenerateExplicitValue(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", ""))
	req := fullYear("stu-1")
	req.EndMonth = time.February
	req.Value = "1.234,56"

	res, err := fx.service.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count())
	require.Equal(t, "1234.56", res.Installments.Succeeded[0].Value.StringFixed(2))

	req.StartMonth, req.EndMonth = time.March, time.March
	req.Value = decimal.RequireFromString("99.90")
	res, err = fx.service.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "99.90", res.Installments.Succeeded[0].Value.StringFixed(2))
}

func TestGenerateValidationHappensBeforeWrites(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", ""))
	ctx := context.Background()

	_, err := fx.service.Generate(ctx, fullYear("stu-1"))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Contains(t, verr.Fields, "value")

	req := fullYear("stu-1")
	req.Value = "abc"
	_, err = fx.service.Generate(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = fullYear("stu-1")
	req.StartMonth, req.EndMonth = time.May, time.April
	req.Value = "100"
	_, err = fx.service.Generate(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	require.Equal(t, 0, fx.store.Len())
}

func TestGenerateRequiresConfirmation(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))
	req := fullYear("stu-1")
	req.Confirmed = false

	_, err := fx.service.Generate(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrNotConfirmed)
	require.Equal(t, 0, fx.store.Len())
}

func TestGenerateIssuesSlipsOnlyInsideWindow(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))
	req := fullYear("stu-1")
	req.EndMonth = time.March
	req.WithSlips = true

	res, err := fx.service.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 3, res.Count())
	require.Equal(t, 1, fx.gateway.callCount())
	require.Len(t, res.Slips.Succeeded, 1)
	require.Equal(t, 2, res.SlipSkipped)

	jan := res.Installments.Succeeded[0]
	require.True(t, jan.Slip.Issued())
	require.Equal(t, "ext-"+jan.ID, jan.Slip.ExternalPaymentID)
	require.False(t, res.Installments.Succeeded[1].Slip.Issued())
	require.Contains(t, fx.gateway.calls[0].Description, "01/2026")
}

func TestGenerateContinuesAfterSlipFailure(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))
	fx.gateway.err = errors.New("gateway down")
	req := fullYear("stu-1")
	req.EndMonth = time.February
	req.WithSlips = true

	res, err := fx.service.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count())
	require.Len(t, res.Slips.Failed, 1)
	require.Equal(t, 2, fx.store.Len())
	require.Contains(t, res.Summary(), "1 slip failures")
}

func TestGenerateRejectsIncompletePayerForSlips(t *testing.T) {
	student := studentWithTuition("stu-1", "north", "850")
	student.Payer.Email = ""
	fx := newFixture(t, nil, student)
	req := fullYear("stu-1")
	req.WithSlips = true

	_, err := fx.service.Generate(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, 0, fx.store.Len())
}

func TestGenerateRejectsConcurrentHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewStudentLocker(client, time.Minute)
	fx := newFixture(t, locker, studentWithTuition("stu-1", "north", "850"))
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "stu-1")
	require.NoError(t, err)

	_, err = fx.service.Generate(ctx, fullYear("stu-1"))
	require.ErrorIs(t, err, ErrGenerationInProgress)
	require.ErrorIs(t, err, shared.ErrLocked)
	require.Equal(t, 0, fx.store.Len())

	release()
	res, err := fx.service.Generate(ctx, fullYear("stu-1"))
	require.NoError(t, err)
	require.Equal(t, 12, res.Count())
	require.False(t, mr.Exists(shared.StudentLockKey("stu-1")))
}

func TestGenerateBlockedAndUnknownStudent(t *testing.T) {
	blocked := studentWithTuition("stu-1", "north", "850")
	blocked.Blocked = true
	fx := newFixture(t, nil, blocked)

	_, err := fx.service.Generate(context.Background(), fullYear("stu-1"))
	require.ErrorIs(t, err, ErrStudentBlocked)

	_, err = fx.service.Generate(context.Background(), fullYear("missing"))
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSequenceFillsMissingCodes(t *testing.T) {
	fx := newFixture(t, nil, studentWithTuition("stu-1", "north", "850"))
	ctx := context.Background()
	for m := time.January; m <= time.April; m++ {
		inst := ledger.Installment{
			ID:        "m" + strconv.Itoa(int(m)),
			StudentID: "stu-1",
			Reference: ledger.NewReferenceMonth(2026, m),
			Value:     decimal.NewFromInt(850),
		}
		if m == time.February {
			inst.DocumentNumber = "300002"
		}
		_, err := fx.store.Insert(ctx, inst)
		require.NoError(t, err)
	}

	res, err := fx.service.Sequence(ctx, "stu-1", 2026)
	require.NoError(t, err)
	require.True(t, res.Anchored)
	require.Len(t, res.Assigned.Succeeded, 3)

	apr, err := fx.store.Get(ctx, "m4")
	require.NoError(t, err)
	require.Equal(t, "300004", apr.DocumentNumber)
}

func TestGenerateExemptsScholarshipUnlessValueGiven(t *testing.T) {
	scholar := studentWithTuition("stu-1", "north", "850")
	scholar.Tuition = scholar.Tuition.SetScholarship(true)
	fx := newFixture(t, nil, scholar)
	ctx := context.Background()

	res, err := fx.service.Generate(ctx, fullYear("stu-1"))
	require.NoError(t, err)
	require.True(t, res.Exempt)
	require.Zero(t, res.Count())
	require.Zero(t, fx.store.Len())
	require.Contains(t, res.Summary(), "scholarship")

	req := fullYear("stu-1")
	req.EndMonth = time.January
	req.Value = "120,00"
	res, err = fx.service.Generate(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Exempt)
	require.Equal(t, 1, res.Count())
	require.Equal(t, "120.00", res.Installments.Succeeded[0].Value.StringFixed(2))
}

// gatedDirectory holds Profile until release is closed.
type gatedDirectory struct {
	*MemoryDirectory
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (d *gatedDirectory) Profile(ctx context.Context, studentID string) (*StudentSnapshot, error) {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.mu.Unlock()
	if first {
		close(d.entered)
	}
	<-d.release
	return d.MemoryDirectory.Profile(ctx, studentID)
}

func TestGenerateMarksCoalescedResultAsShared(t *testing.T) {
	dir := &gatedDirectory{
		MemoryDirectory: newMemoryDirectory(studentWithTuition("stu-1", "north", "850")),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	store := ledger.NewMemoryStore()
	svc := NewGenerationService(store, dir, doccode.NewSequencer(store, nil), nil, nil, nil, Options{})

	type outcome struct {
		res GenerateResult
		err error
	}
	results := make(chan outcome, 2)
	run := func() {
		res, err := svc.Generate(context.Background(), fullYear("stu-1"))
		results <- outcome{res, err}
	}
	go run()
	<-dir.entered
	go run()
	time.Sleep(100 * time.Millisecond)
	close(dir.release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	a, b := first.res, second.res
	require.Equal(t, 1, dir.calls)
	require.Equal(t, 12, store.Len())
	require.NotEqual(t, a.Shared, b.Shared)
	require.Equal(t, 12, a.Count())
	require.Equal(t, 12, b.Count())
}
