package slip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPConfig configures the HTTP gateway client.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPGateway issues slips through the billing gateway's REST endpoint.
type HTTPGateway struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPGateway constructs the gateway client.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base url required", ErrGatewayNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		client:  client,
	}, nil
}

type wireAddress = Address

type wirePayer struct {
	Email     string      `json:"email"`
	FirstName string      `json:"firstName"`
	LastName  string      `json:"lastName"`
	TaxID     string      `json:"taxId"`
	Address   wireAddress `json:"address"`
}

type wireRequest struct {
	StudentID   string      `json:"studentId"`
	Amount      json.Number `json:"amount"`
	DueDate     string      `json:"dueDate"`
	Description string      `json:"description"`
	Payer       wirePayer   `json:"payer"`
}

type wireResponse struct {
	Barcode       string     `json:"barcode"`
	DigitableLine string     `json:"digitableLine"`
	ID            flexibleID `json:"id"`
	TicketURL     string     `json:"ticketUrl"`
	QRCode        string     `json:"qrCode"`
	QRCodeBase64  string     `json:"qrCodeBase64"`
}

type wireError struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

// flexibleID accepts identifiers encoded either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// IssueSlip posts the slip request and maps the response.
func (g *HTTPGateway) IssueSlip(ctx context.Context, req IssueRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(wireRequest{
		StudentID:   req.StudentID,
		Amount:      json.Number(req.Amount.StringFixed(2)),
		DueDate:     req.DueDate.Format(time.RFC3339),
		Description: req.Description,
		Payer: wirePayer{
			Email:     req.Payer.Email,
			FirstName: req.Payer.FirstName,
			LastName:  req.Payer.LastName,
			TaxID:     req.Payer.TaxID,
			Address:   req.Payer.Address,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/slips", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}
	if req.InstallmentID != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.InstallmentID)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &GatewayError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, payload)
	}

	var out wireResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayInvalidResponse, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrGatewayInvalidResponse)
	}
	return &Result{
		Barcode:           out.Barcode,
		DigitableLine:     out.DigitableLine,
		ExternalPaymentID: string(out.ID),
		TicketURL:         out.TicketURL,
		QRCode:            out.QRCode,
		QRCodeBase64:      out.QRCodeBase64,
	}, nil
}

func decodeError(status int, payload []byte) error {
	gerr := &GatewayError{Status: status}
	var body wireError
	if err := json.Unmarshal(payload, &body); err != nil || body.Error == "" {
		gerr.Message = strings.TrimSpace(string(payload))
		if gerr.Message == "" {
			gerr.Message = http.StatusText(status)
		}
		return gerr
	}
	gerr.Message = body.Error
	if len(body.Details) > 0 && string(body.Details) != "null" {
		var s string
		if err := json.Unmarshal(body.Details, &s); err == nil {
			gerr.Details = s
		} else {
			gerr.Details = string(body.Details)
		}
	}
	return gerr
}

// IsGatewayError reports whether err came back from a slip gateway call.
func IsGatewayError(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) || errors.Is(err, ErrGatewayRequestFailed) || errors.Is(err, ErrGatewayInvalidResponse)
}
