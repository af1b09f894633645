// Package money normalises locale-ambiguous amounts into decimals.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ParseError reports an amount string that could not be read as a number.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("money: cannot parse %q: %s", e.Input, e.Reason)
}

// Parse reads an amount using either comma or dot separators. Every character other
// than digits, comma and dot is dropped first. When both separators appear the dot is
// the thousands separator; a lone comma is the decimal separator.
func Parse(s string) (decimal.Decimal, error) {
	cleaned := strip(s)
	if cleaned == "" {
		return decimal.Zero, &ParseError{Input: s, Reason: "no digits"}
	}
	hasComma := strings.Contains(cleaned, ",")
	hasDot := strings.Contains(cleaned, ".")
	switch {
	case hasComma && hasDot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case hasComma:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	if strings.Count(cleaned, ".") > 1 {
		return decimal.Zero, &ParseError{Input: s, Reason: "multiple decimal separators"}
	}
	if strings.Trim(cleaned, ".") == "" {
		return decimal.Zero, &ParseError{Input: s, Reason: "no digits"}
	}
	if strings.HasSuffix(cleaned, ".") {
		cleaned += "0"
	}
	if strings.HasPrefix(cleaned, ".") {
		cleaned = "0" + cleaned
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, &ParseError{Input: s, Reason: err.Error()}
	}
	return d, nil
}

// Normalize converts strings and numeric values into a decimal. Anything that cannot be
// read resolves to zero; callers that must tell "typed 0" from garbage use Parse.
func Normalize(v any) decimal.Decimal {
	switch val := v.(type) {
	case nil:
		return decimal.Zero
	case string:
		d, err := Parse(val)
		if err != nil {
			return decimal.Zero
		}
		return d
	case decimal.Decimal:
		return val
	case *decimal.Decimal:
		if val == nil {
			return decimal.Zero
		}
		return *val
	case float64:
		return decimal.NewFromFloat(val)
	case float32:
		return decimal.NewFromFloat32(val)
	case int:
		return decimal.NewFromInt(int64(val))
	case int64:
		return decimal.NewFromInt(val)
	case int32:
		return decimal.NewFromInt32(val)
	default:
		return decimal.Zero
	}
}

// Round2 rounds half away from zero to cents, the precision shown to users.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

var brPrinter = message.NewPrinter(language.BrazilianPortuguese)

// Format renders an amount as Brazilian reais, e.g. "R$ 1.234,56".
func Format(d decimal.Decimal) string {
	f, _ := Round2(d).Float64()
	return brPrinter.Sprintf("R$ %.2f", f)
}

func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
