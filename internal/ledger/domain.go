package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

// Status enumerates installment statuses. Overdue is never stored; it is derived from
// the due date by EffectiveStatus.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusOverdue Status = "OVERDUE"
)

// ParseStatus reads a status filter value. Empty input means no filter.
func ParseStatus(s string) (*Status, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	st := Status(s)
	switch st {
	case StatusPending, StatusPaid, StatusOverdue:
		return &st, nil
	default:
		return nil, fmt.Errorf("ledger: unknown status %q: %w", s, shared.ErrValidation)
	}
}

// ReferenceMonth is the billing month an installment charges for.
type ReferenceMonth struct {
	Year  int
	Month time.Month
}

// NewReferenceMonth builds a reference month.
func NewReferenceMonth(year int, month time.Month) ReferenceMonth {
	return ReferenceMonth{Year: year, Month: month}
}

// Index is the month number, January = 1.
func (r ReferenceMonth) Index() int {
	return int(r.Month)
}

// Valid reports whether the month is inside 1..12 and the year is set.
func (r ReferenceMonth) Valid() bool {
	return r.Year > 0 && r.Month >= time.January && r.Month <= time.December
}

// String renders "MM/YYYY".
func (r ReferenceMonth) String() string {
	return fmt.Sprintf("%02d/%04d", int(r.Month), r.Year)
}

// MarshalJSON encodes the month as "MM/YYYY".
func (r ReferenceMonth) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(r.String())), nil
}

// UnmarshalJSON accepts the formats understood by ParseReferenceMonth.
func (r *ReferenceMonth) UnmarshalJSON(data []byte) error {
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("ledger: invalid reference month %s", data)
	}
	parsed, err := ParseReferenceMonth(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Before reports whether r is earlier than other.
func (r ReferenceMonth) Before(other ReferenceMonth) bool {
	if r.Year != other.Year {
		return r.Year < other.Year
	}
	return r.Month < other.Month
}

// DueDate returns the given calendar day of the month, clamped to the month length.
func (r ReferenceMonth) DueDate(day int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if day < 1 {
		day = 1
	}
	last := time.Date(r.Year, r.Month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		day = last
	}
	return time.Date(r.Year, r.Month, day, 0, 0, 0, 0, loc)
}

// ParseReferenceMonth accepts "MM/YYYY" or "YYYY-MM".
func ParseReferenceMonth(s string) (ReferenceMonth, error) {
	s = strings.TrimSpace(s)
	var monthPart, yearPart string
	switch {
	case strings.Contains(s, "/"):
		parts := strings.SplitN(s, "/", 2)
		monthPart, yearPart = parts[0], parts[1]
	case strings.Contains(s, "-"):
		parts := strings.SplitN(s, "-", 2)
		yearPart, monthPart = parts[0], parts[1]
	default:
		return ReferenceMonth{}, fmt.Errorf("ledger: invalid reference month %q", s)
	}
	m, err := strconv.Atoi(monthPart)
	if err != nil {
		return ReferenceMonth{}, fmt.Errorf("ledger: invalid reference month %q", s)
	}
	y, err := strconv.Atoi(yearPart)
	if err != nil {
		return ReferenceMonth{}, fmt.Errorf("ledger: invalid reference month %q", s)
	}
	ref := ReferenceMonth{Year: y, Month: time.Month(m)}
	if !ref.Valid() {
		return ReferenceMonth{}, fmt.Errorf("ledger: invalid reference month %q", s)
	}
	return ref, nil
}

// Slip holds the identifiers of an issued payment slip.
type Slip struct {
	Barcode           string     `json:"barcode,omitempty"`
	DigitableLine     string     `json:"digitable_line,omitempty"`
	ExternalPaymentID string     `json:"external_payment_id,omitempty"`
	TicketURL         string     `json:"ticket_url,omitempty"`
	QRCode            string     `json:"qr_code,omitempty"`
	QRCodeBase64      string     `json:"qr_code_base64,omitempty"`
	IssuedAt          *time.Time `json:"issued_at,omitempty"`
}

// Issued reports whether the gateway returned a slip.
func (s Slip) Issued() bool {
	return s.ExternalPaymentID != ""
}

// Installment is one month's tuition charge for one student.
type Installment struct {
	ID             string          `json:"id"`
	StudentID      string          `json:"student_id"`
	Reference      ReferenceMonth  `json:"reference_month"`
	Value          decimal.Decimal `json:"value"`
	DueDate        time.Time       `json:"due_date"`
	Status         Status          `json:"status"`
	DocumentNumber string          `json:"document_number,omitempty"`
	Description    string          `json:"description,omitempty"`
	Slip           Slip            `json:"slip"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"last_updated"`
}

// HasDocumentNumber reports whether a billing code was already assigned.
func (i Installment) HasDocumentNumber() bool {
	return i.DocumentNumber != ""
}

// EffectiveStatus derives Overdue for pending installments whose due date has passed.
func (i Installment) EffectiveStatus(now time.Time) Status {
	if i.Status != StatusPending || i.DueDate.IsZero() {
		return i.Status
	}
	due := i.DueDate
	y, m, d := now.In(due.Location()).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, due.Location())
	dy, dm, dd := due.Date()
	if today.After(time.Date(dy, dm, dd, 0, 0, 0, 0, due.Location())) {
		return StatusOverdue
	}
	return StatusPending
}

// Patch lists the mutable fields of an installment; nil fields are left untouched.
// The document number is deliberately absent: it is written once through
// Store.AssignDocumentNumber.
type Patch struct {
	Status  *Status
	PaidAt  *time.Time
	Value   *decimal.Decimal
	DueDate *time.Time
	Slip    *Slip
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.PaidAt == nil && p.Value == nil && p.DueDate == nil && p.Slip == nil
}

func (p Patch) apply(inst *Installment) {
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		inst.PaidAt = &t
	}
	if p.Value != nil {
		inst.Value = *p.Value
	}
	if p.DueDate != nil {
		inst.DueDate = *p.DueDate
	}
	if p.Slip != nil {
		inst.Slip = *p.Slip
	}
}
