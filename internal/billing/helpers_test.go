package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/doccode"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
	"github.com/odyssey-erp/tuition-ledger/internal/tuition"
)

func newMemoryDirectory(students ...StudentSnapshot) *MemoryDirectory {
	return NewMemoryDirectory(students...)
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []slip.IssueRequest
	err   error
}

func (g *fakeGateway) IssueSlip(ctx context.Context, req slip.IssueRequest) (*slip.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	return &slip.Result{
		Barcode:           "barcode-" + req.InstallmentID,
		DigitableLine:     "line-" + req.InstallmentID,
		ExternalPaymentID: "ext-" + req.InstallmentID,
		TicketURL:         "https://pay.example.com/" + req.InstallmentID,
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func validPayer() slip.Payer {
	return slip.Payer{
		Email:     "guardian@example.com",
		FirstName: "Maria",
		LastName:  "Souza",
		TaxID:     "12345678909",
		Address: slip.Address{
			ZipCode:    "30140071",
			StreetName: "Rua da Bahia",
			City:       "Belo Horizonte",
			State:      "MG",
		},
	}
}

func studentWithTuition(id, unit, final string) StudentSnapshot {
	profile := tuition.Profile{}
	if final != "" {
		profile = profile.SetBase(decimal.RequireFromString(final))
	}
	return StudentSnapshot{ID: id, Name: "Student " + id, Unit: unit, Tuition: profile, Payer: validPayer()}
}

type fixture struct {
	store     *ledger.MemoryStore
	directory *MemoryDirectory
	gateway   *fakeGateway
	service   *GenerationService
	now       time.Time
}

func newFixture(t *testing.T, locker *shared.StudentLocker, students ...StudentSnapshot) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	directory := newMemoryDirectory(students...)
	gateway := &fakeGateway{}
	now := time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	sequencer := doccode.NewSequencer(store, nil).WithSource(func() int64 { return 700000 })
	seq := 0
	svc := NewGenerationService(store, directory, sequencer, gateway, locker, nil, Options{
		Clock: func() time.Time { return now },
		NewID: func() string {
			seq++
			return fmt.Sprintf("inst-%02d", seq)
		},
	})
	return &fixture{store: store, directory: directory, gateway: gateway, service: svc, now: now}
}
