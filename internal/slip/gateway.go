// Package slip issues external payment slips (boletos) for installments.
package slip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
)

var (
	ErrGatewayNotConfigured   = errors.New("slip: gateway not configured")
	ErrGatewayRequestFailed   = errors.New("slip: gateway request failed")
	ErrGatewayInvalidResponse = errors.New("slip: invalid gateway response")
	ErrInvalidAmount          = errors.New("slip: amount must be positive")
	ErrInvalidRequest         = errors.New("slip: invalid issue request")
)

// Address is the payer's postal address required on a boleto.
type Address struct {
	ZipCode      string `json:"zipCode" validate:"required"`
	StreetName   string `json:"streetName" validate:"required"`
	StreetNumber string `json:"streetNumber"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city" validate:"required"`
	State        string `json:"state" validate:"required"`
}

// Payer identifies who the slip is issued to.
type Payer struct {
	Email     string  `json:"email" validate:"required,email"`
	FirstName string  `json:"firstName" validate:"required"`
	LastName  string  `json:"lastName"`
	TaxID     string  `json:"taxId" validate:"required"`
	Address   Address `json:"address"`
}

// IssueRequest carries everything needed to issue one slip.
type IssueRequest struct {
	StudentID     string `validate:"required"`
	InstallmentID string
	Amount        decimal.Decimal
	DueDate       time.Time
	Description   string `validate:"required"`
	Payer         Payer
}

var validate = validator.New()

// Validate checks the payer data a boleto requires.
func (p Payer) Validate() error {
	return structErr(validate.Struct(p))
}

// Validate checks the request before any network call.
func (r IssueRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if r.DueDate.IsZero() {
		return fmt.Errorf("%w: due date required", ErrInvalidRequest)
	}
	return structErr(validate.Struct(r))
}

// InvalidFields lists the namespaces rejected by the validator, if any.
func InvalidFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace())
	}
	return fields
}

type fieldsError struct {
	fields []string
	cause  error
}

func (e *fieldsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(e.fields, ", "))
}

func (e *fieldsError) Unwrap() []error { return []error{ErrInvalidRequest, e.cause} }

func structErr(err error) error {
	if err == nil {
		return nil
	}
	if fields := InvalidFields(err); len(fields) > 0 {
		return &fieldsError{fields: fields, cause: err}
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

// Result holds the identifiers returned for an issued slip.
type Result struct {
	Barcode           string
	DigitableLine     string
	ExternalPaymentID string
	TicketURL         string
	QRCode            string
	QRCodeBase64      string
}

// ToSlip converts the result into the ledger representation.
func (r Result) ToSlip(issuedAt time.Time) ledger.Slip {
	return ledger.Slip{
		Barcode:           r.Barcode,
		DigitableLine:     r.DigitableLine,
		ExternalPaymentID: r.ExternalPaymentID,
		TicketURL:         r.TicketURL,
		QRCode:            r.QRCode,
		QRCodeBase64:      r.QRCodeBase64,
		IssuedAt:          &issuedAt,
	}
}

// Gateway issues a slip for one installment. Errors are returned to the caller without
// retry.
type Gateway interface {
	IssueSlip(ctx context.Context, req IssueRequest) (*Result, error)
}

// GatewayError wraps a failed gateway call with the upstream detail.
type GatewayError struct {
	Status  int
	Message string
	Details string
	Err     error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(ErrGatewayRequestFailed.Error())
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	if e.Message == "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGatewayRequestFailed}
	}
	return []error{ErrGatewayRequestFailed, e.Err}
}

// Timeout reports whether the call failed because it ran out of time.
func (e *GatewayError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// NoopGateway is used when no slip provider is configured.
type NoopGateway struct{}

// IssueSlip always fails with ErrGatewayNotConfigured.
func (NoopGateway) IssueSlip(ctx context.Context, req IssueRequest) (*Result, error) {
	return nil, ErrGatewayNotConfigured
}
