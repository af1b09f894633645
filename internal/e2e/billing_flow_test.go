package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tuition-ledger/internal/app"
	"github.com/odyssey-erp/tuition-ledger/internal/billing"
	"github.com/odyssey-erp/tuition-ledger/internal/doccode"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
	_ "github.com/odyssey-erp/tuition-ledger/internal/testing/guard"
	"github.com/odyssey-erp/tuition-ledger/internal/tuition"
)

type slipProvider struct {
	mu       sync.Mutex
	requests []map[string]any
	keys     []string
}

func (p *slipProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.requests = append(p.requests, body)
	p.keys = append(p.keys, r.Header.Get("X-Idempotency-Key"))
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"id":%d,"barcode":"23790000","digitableLine":"2379.0000 0","ticketUrl":"https://slips.test/t/%d"}`, 9000+len(p.requests), len(p.requests))
}

type flowFixture struct {
	router   http.Handler
	provider *slipProvider
	store    *ledger.MemoryStore
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := &slipProvider{}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	gateway, err := slip.NewHTTPGateway(slip.HTTPConfig{BaseURL: srv.URL, Token: "secret", Timeout: time.Second})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := ledger.NewMemoryStore()
	dir := billing.NewMemoryDirectory(billing.StudentSnapshot{
		ID:      "stu-1",
		Name:    "Ana Souza",
		Unit:    "north",
		Tuition: tuition.Profile{}.SetBase(decimal.RequireFromString("1000")).SetDiscount(decimal.RequireFromString("10")),
		Payer: slip.Payer{
			Email:     "guardian@example.com",
			FirstName: "Maria",
			LastName:  "Souza",
			TaxID:     "12345678909",
			Address:   slip.Address{ZipCode: "30140071", StreetName: "Rua da Bahia", City: "Belo Horizonte", State: "MG"},
		},
	})

	now := func() time.Time { return time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC) }
	reg := prometheus.NewRegistry()
	metrics := billing.NewMetrics(reg)
	window := slip.NewWindow(28)
	gen := billing.NewGenerationService(store, dir, doccode.NewSequencer(store, logger), gateway,
		shared.NewStudentLocker(rdb, time.Minute), logger,
		billing.Options{DueDay: 5, Location: time.UTC, Window: window, Metrics: metrics, Clock: now})
	slips := billing.NewSlipService(store, dir, gateway, window, metrics, logger).WithClock(now)
	handler := billing.NewHandler(logger, gen, billing.NewBatchFeeService(gen, logger), slips,
		ledger.NewService(store, logger).WithClock(now), billing.NewTuitionService(dir, logger), "hook-token")

	cfg := &app.Config{AppEnv: "test", RateLimitPerMinute: 10000}
	router := app.NewRouter(app.RouterParams{Logger: logger, Config: cfg, BillingHandler: handler})
	return &flowFixture{router: router, provider: provider, store: store}
}

func (f *flowFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type listing struct {
	Installments []listed `json:"installments"`
}

type listed struct {
	ID             string `json:"id"`
	DocumentNumber string `json:"document_number"`
	Status         string `json:"status"`
	Slip           struct {
		ExternalPaymentID string `json:"external_payment_id"`
	} `json:"slip"`
}

func TestBillingFlowGenerateIssuePay(t *testing.T) {
	f := newFlowFixture(t)

	rec := f.do(t, http.MethodPost, "/billing/students/stu-1/installments/generate",
		`{"start_month":1,"end_month":12,"year":2030,"with_slips":true,"confirm":true}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, 12, f.store.Len())

	// Only January falls inside the 28 day window on 2030-01-01.
	require.Len(t, f.provider.requests, 1)
	require.Equal(t, 900.0, f.provider.requests[0]["amount"])
	require.NotEmpty(t, f.provider.keys[0])

	rec = f.do(t, http.MethodGet, "/billing/students/stu-1/installments", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	items := out.Installments
	require.Len(t, items, 12)
	require.Equal(t, "9001", items[0].Slip.ExternalPaymentID)
	base := items[0].DocumentNumber
	require.Len(t, base, 6)
	for i := 1; i < len(items); i++ {
		require.Empty(t, items[i].Slip.ExternalPaymentID)
		require.Equal(t, fmt.Sprintf("%d", atoi(t, base)+i), items[i].DocumentNumber)
	}

	rec = f.do(t, http.MethodPost, "/billing/webhooks/slips", `{"id":"9001","status":"paid"}`, map[string]string{"X-Webhook-Token": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/billing/webhooks/slips", `{"id":"9001","status":"pending"}`, map[string]string{"X-Webhook-Token": "hook-token"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/billing/webhooks/slips", `{"id":"9001","status":"paid"}`, map[string]string{"X-Webhook-Token": "hook-token"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	paid, err := f.store.Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPaid, paid.Status)

	rec = f.do(t, http.MethodGet, "/billing/students/stu-1/installments?status=paid", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out = listing{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Installments, 1)
	require.Equal(t, items[0].ID, out.Installments[0].ID)

	// A second run is a no-op and keeps the series.
	rec = f.do(t, http.MethodPost, "/billing/students/stu-1/installments/generate",
		`{"start_month":1,"end_month":12,"year":2030,"confirm":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 12, f.store.Len())
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	require.NoError(t, err)
	return n
}
