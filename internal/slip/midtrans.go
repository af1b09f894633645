package slip

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

const midtransCategory = "TUITION"

// MidtransConfig configures the Snap-backed gateway.
type MidtransConfig struct {
	ServerKey  string
	Production bool
}

// MidtransGateway issues payment links through Midtrans Snap. The installment id is
// used as order id, so notifications can be matched back through ExternalPaymentID.
type MidtransGateway struct {
	client snap.Client
	now    func() time.Time
}

// NewMidtransGateway initialises the Snap client.
func NewMidtransGateway(cfg MidtransConfig) (*MidtransGateway, error) {
	if strings.TrimSpace(cfg.ServerKey) == "" {
		return nil, fmt.Errorf("%w: midtrans server key required", ErrGatewayNotConfigured)
	}
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}
	g := &MidtransGateway{now: time.Now}
	g.client.New(cfg.ServerKey, env)
	return g, nil
}

// IssueSlip creates a Snap transaction for the installment.
func (g *MidtransGateway) IssueSlip(ctx context.Context, req IssueRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.InstallmentID == "" {
		return nil, fmt.Errorf("%w: installment id required as order id", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Err: err}
	}

	snapReq, err := buildSnapRequest(req, g.now())
	if err != nil {
		return nil, err
	}
	resp, merr := g.client.CreateTransaction(snapReq)
	if merr != nil {
		return nil, &GatewayError{
			Status:  merr.StatusCode,
			Message: merr.Message,
			Err:     merr.RawError,
		}
	}
	if resp == nil || resp.Token == "" {
		return nil, fmt.Errorf("%w: empty snap token", ErrGatewayInvalidResponse)
	}
	return &Result{
		ExternalPaymentID: req.InstallmentID,
		TicketURL:         resp.RedirectURL,
		QRCode:            resp.Token,
	}, nil
}

// grossAmount converts the ledger value to Snap's integer gross amount. Snap has no
// minor unit, so values with cents are rejected instead of rounded.
func grossAmount(req IssueRequest) (int64, error) {
	if !req.Amount.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if !req.Amount.Equal(req.Amount.Truncate(0)) {
		return 0, fmt.Errorf("%w: midtrans charges whole amounts, got %s", ErrInvalidAmount, req.Amount.String())
	}
	return req.Amount.IntPart(), nil
}

func buildSnapRequest(req IssueRequest, now time.Time) (*snap.Request, error) {
	gross, err := grossAmount(req)
	if err != nil {
		return nil, err
	}
	addr := &midtrans.CustomerAddress{
		FName:       req.Payer.FirstName,
		LName:       req.Payer.LastName,
		Address:     strings.TrimSpace(req.Payer.Address.StreetName + " " + req.Payer.Address.StreetNumber),
		City:        req.Payer.Address.City,
		Postcode:    req.Payer.Address.ZipCode,
		CountryCode: "BRA",
	}
	out := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.InstallmentID,
			GrossAmt: gross,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName:    req.Payer.FirstName,
			LName:    req.Payer.LastName,
			Email:    req.Payer.Email,
			BillAddr: addr,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:       req.InstallmentID,
			Price:    gross,
			Qty:      1,
			Name:     truncate(req.Description, 50),
			Category: midtransCategory,
		}},
		CustomField1: req.StudentID,
	}
	if minutes := minutesUntil(endOfDay(req.DueDate), now); minutes > 0 {
		out.Expiry = &snap.ExpiryDetails{Unit: "minute", Duration: minutes}
	}
	return out, nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 0, 0, t.Location())
}

func minutesUntil(target, now time.Time) int64 {
	d := target.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d.Round(time.Minute) / time.Minute)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
