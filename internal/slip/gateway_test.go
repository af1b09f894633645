package slip

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
)

func sampleRequest() IssueRequest {
	return IssueRequest{
		StudentID:     "stu-1",
		InstallmentID: "inst-1",
		Amount:        decimal.RequireFromString("450.5"),
		DueDate:       time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC),
		Description:   "Mensalidade 03/2025",
		Payer: Payer{
			Email:     "parent@example.com",
			FirstName: "Ana",
			LastName:  "Silva",
			TaxID:     "12345678909",
			Address: Address{
				ZipCode:    "01001000",
				StreetName: "Praca da Se",
				City:       "Sao Paulo",
				State:      "SP",
			},
		},
	}
}

func TestIssueRequestValidate(t *testing.T) {
	require.NoError(t, sampleRequest().Validate())

	req := sampleRequest()
	req.Amount = decimal.Zero
	require.ErrorIs(t, req.Validate(), ErrInvalidAmount)

	req = sampleRequest()
	req.Payer.Email = "not-an-email"
	err := req.Validate()
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Contains(t, err.Error(), "Email")

	req = sampleRequest()
	req.DueDate = time.Time{}
	require.ErrorIs(t, req.Validate(), ErrInvalidRequest)
}

func TestHTTPGatewayIssueSlip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/slips", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "inst-1", r.Header.Get("X-Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"barcode":"2379","digitableLine":"23790.1","id":987654,"ticketUrl":"https://pay/t/1"}`))
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)

	res, err := gw.IssueSlip(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Equal(t, "987654", res.ExternalPaymentID)
	require.Equal(t, "2379", res.Barcode)
	require.Equal(t, "23790.1", res.DigitableLine)
	require.Equal(t, "https://pay/t/1", res.TicketURL)

	require.Equal(t, "stu-1", got["studentId"])
	require.Equal(t, 450.5, got["amount"])
	require.Equal(t, "2025-03-05T00:00:00Z", got["dueDate"])

	issued := time.Date(2025, time.February, 20, 10, 0, 0, 0, time.UTC)
	s := res.ToSlip(issued)
	require.True(t, s.Issued())
	require.Equal(t, "987654", s.ExternalPaymentID)
}

func TestHTTPGatewayErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid payer","details":"taxId rejected"}`))
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.IssueSlip(context.Background(), sampleRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrGatewayRequestFailed)
	require.True(t, IsGatewayError(err))

	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	require.Equal(t, http.StatusUnprocessableEntity, gerr.Status)
	require.Equal(t, "invalid payer", gerr.Message)
	require.Equal(t, "taxId rejected", gerr.Details)
}

func TestHTTPGatewayMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"barcode":"1"}`))
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = gw.IssueSlip(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrGatewayInvalidResponse)
}

func TestHTTPGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = gw.IssueSlip(context.Background(), sampleRequest())
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	require.True(t, gerr.Timeout())
}

func TestHTTPGatewayRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPGateway(HTTPConfig{})
	require.ErrorIs(t, err, ErrGatewayNotConfigured)
}

func TestNoopGateway(t *testing.T) {
	_, err := NoopGateway{}.IssueSlip(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrGatewayNotConfigured)
}

func TestMidtransRequestMapping(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	whole := sampleRequest()
	whole.Amount = decimal.RequireFromString("450.00")
	req, err := buildSnapRequest(whole, now)
	require.NoError(t, err)
	require.Equal(t, "inst-1", req.TransactionDetails.OrderID)
	require.Equal(t, int64(450), req.TransactionDetails.GrossAmt)
	require.Equal(t, int64(450), (*req.Items)[0].Price)
	require.NotNil(t, req.Items)
	require.Len(t, *req.Items, 1)
	require.Equal(t, midtransCategory, (*req.Items)[0].Category)
	require.NotNil(t, req.Expiry)
	require.Positive(t, req.Expiry.Duration)

	_, err = NewMidtransGateway(MidtransConfig{})
	require.ErrorIs(t, err, ErrGatewayNotConfigured)
}

func TestMidtransRejectsAmountWithCents(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	for _, amount := range []string{"1234.56", "450.5", "0.01"} {
		req := sampleRequest()
		req.Amount = decimal.RequireFromString(amount)
		_, err := buildSnapRequest(req, now)
		require.ErrorIs(t, err, ErrInvalidAmount, amount)
	}

	gw, err := NewMidtransGateway(MidtransConfig{ServerKey: "SB-Mid-server-test"})
	require.NoError(t, err)
	req := sampleRequest()
	req.Amount = decimal.RequireFromString("1234.56")
	_, err = gw.IssueSlip(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	in := "Mensalidade 03/2026 - Joaquim Fernandes Albuquerqão Silva"
	out := truncate(in, 50)
	require.True(t, utf8.ValidString(out))
	require.LessOrEqual(t, len(out), 50)
	require.Equal(t, "Mensalidade 03/2026 - Joaquim Fernandes Albuquerq", out)
	require.Equal(t, "abc", truncate("abc", 50))
}

func TestWindowFilter(t *testing.T) {
	now := time.Date(2025, time.January, 10, 15, 0, 0, 0, time.UTC)
	w := NewWindow(0)
	require.Equal(t, DefaultEligibilityDays, w.Days)

	items := []ledger.Installment{
		{ID: "a", DueDate: now.AddDate(0, 0, 10)},
		{ID: "b", DueDate: now.AddDate(0, 0, 30)},
		{ID: "c", DueDate: now.AddDate(0, 0, 60)},
	}
	eligible, rest := w.Filter(items, now)
	require.Len(t, eligible, 1)
	require.Equal(t, "a", eligible[0].ID)
	require.Len(t, rest, 2)

	require.True(t, w.Eligible(now.AddDate(0, 0, 28), now))
	require.False(t, w.Eligible(now.AddDate(0, 0, -1), now))
	require.True(t, w.Eligible(time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC), now))
}
