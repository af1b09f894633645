// Package tuition links a student's base price, discount and charged value.
package tuition

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/money"
)

// Field identifies which tuition input the user edited last.
type Field string

const (
	FieldNone     Field = ""
	FieldBase     Field = "base"
	FieldDiscount Field = "discount"
	FieldFinal    Field = "final"
)

// ErrNoTuitionValue indicates a profile that cannot produce a charge.
var ErrNoTuitionValue = errors.New("tuition: no tuition value configured")

var (
	hundred = decimal.NewFromInt(100)
)

// Profile is the billing part of a student record. Values are kept at full precision;
// Display rounds them to cents.
type Profile struct {
	Base        decimal.Decimal `json:"base_tuition_value"`
	Discount    decimal.Decimal `json:"discount_percent"`
	Final       decimal.Decimal `json:"final_tuition_value"`
	Scholarship bool            `json:"is_scholarship"`
	LastEdited  Field           `json:"last_edited,omitempty"`
}

// SetBase records a new base price and recomputes the charged value.
func (p Profile) SetBase(v decimal.Decimal) Profile {
	if p.Scholarship {
		return p
	}
	p.Base = nonNegative(v)
	p.LastEdited = FieldBase
	p.Final = finalFrom(p.Base, p.Discount)
	return p
}

// SetDiscount records a new discount percentage and recomputes the charged value.
func (p Profile) SetDiscount(v decimal.Decimal) Profile {
	if p.Scholarship {
		return p
	}
	p.Discount = clampPercent(v)
	p.LastEdited = FieldDiscount
	p.Final = finalFrom(p.Base, p.Discount)
	return p
}

// SetFinal records the charged value and back-solves the discount. Without a base
// price the discount cannot be inferred and stays as it was.
func (p Profile) SetFinal(v decimal.Decimal) Profile {
	if p.Scholarship {
		return p
	}
	p.Final = nonNegative(v)
	p.LastEdited = FieldFinal
	if d, ok := discountFrom(p.Base, p.Final); ok {
		p.Discount = d
	}
	return p
}

// SetScholarship toggles the full scholarship. Turning it on clears the base price and
// forces a 100% discount; turning it off only unlocks the fields.
func (p Profile) SetScholarship(on bool) Profile {
	if !on {
		p.Scholarship = false
		return p
	}
	p.Scholarship = true
	p.Base = decimal.Zero
	p.Discount = hundred
	p.Final = decimal.Zero
	p.LastEdited = FieldNone
	return p
}

// Recompute re-derives the dependent fields from the last edited one. Inputs loaded
// from storage are clamped on the way through.
func (p Profile) Recompute() Profile {
	if p.Scholarship {
		return p.SetScholarship(true)
	}
	switch p.LastEdited {
	case FieldBase:
		return p.SetBase(p.Base)
	case FieldDiscount:
		return p.SetDiscount(p.Discount)
	case FieldFinal:
		return p.SetFinal(p.Final)
	default:
		return p
	}
}

// Display returns a copy rounded to two decimals.
func (p Profile) Display() Profile {
	p.Base = money.Round2(p.Base)
	p.Discount = money.Round2(p.Discount)
	p.Final = money.Round2(p.Final)
	return p
}

// Charge is the monthly amount billed to the student.
func (p Profile) Charge() decimal.Decimal {
	if p.Scholarship {
		return decimal.Zero
	}
	return p.Final
}

// Validate reports profiles that cannot be billed.
func (p Profile) Validate() error {
	if p.Scholarship {
		return nil
	}
	if !p.Final.IsPositive() {
		return ErrNoTuitionValue
	}
	return nil
}

func finalFrom(base, discount decimal.Decimal) decimal.Decimal {
	return base.Mul(hundred.Sub(discount)).Div(hundred)
}

func discountFrom(base, final decimal.Decimal) (decimal.Decimal, bool) {
	if !base.IsPositive() {
		return decimal.Zero, false
	}
	d := base.Sub(final).Mul(hundred).Div(base)
	return clampPercent(d), true
}

func clampPercent(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
