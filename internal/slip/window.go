package slip

import (
	"errors"
	"time"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
)

// DefaultEligibilityDays is how far ahead the gateway accepts due dates.
const DefaultEligibilityDays = 28

// ErrNothingEligible is returned when no installment falls inside the window.
var ErrNothingEligible = errors.New("slip: no installment due within the eligibility window")

// Window filters installments the gateway will accept.
type Window struct {
	Days int
}

// NewWindow builds a window, falling back to DefaultEligibilityDays.
func NewWindow(days int) Window {
	if days <= 0 {
		days = DefaultEligibilityDays
	}
	return Window{Days: days}
}

// Cutoff returns the last due date accepted when evaluated at now.
func (w Window) Cutoff(now time.Time) time.Time {
	return dateOf(now, now.Location()).AddDate(0, 0, w.Days)
}

// Eligible reports whether due lies between today and the cutoff, inclusive.
func (w Window) Eligible(due, now time.Time) bool {
	if due.IsZero() {
		return false
	}
	today := dateOf(now, now.Location())
	day := dateOf(due, now.Location())
	return !day.Before(today) && !day.After(w.Cutoff(now))
}

// Filter splits installments into those eligible for slip issuance and the rest.
func (w Window) Filter(items []ledger.Installment, now time.Time) (eligible, rest []ledger.Installment) {
	for _, inst := range items {
		if w.Eligible(inst.DueDate, now) {
			eligible = append(eligible, inst)
			continue
		}
		rest = append(rest, inst)
	}
	return eligible, rest
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
