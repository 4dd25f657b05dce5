// Package money converts supplier amount strings to integer cents without
// passing through binary floating point.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseCents parses a decimal amount ("1234.50", "1,234.50", "-3") into cents.
// Amounts with sub-cent precision are rejected rather than rounded.
func ParseCents(s string) (int64, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return 0, err
	}
	return ToCents(d)
}

// ParseDecimal parses a decimal string, tolerating thousands separators and
// surrounding whitespace.
func ParseDecimal(s string) (decimal.Decimal, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	clean = strings.ReplaceAll(clean, " ", "")
	if clean == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

// ToCents converts an exact decimal to cents.
func ToCents(d decimal.Decimal) (int64, error) {
	cents := d.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-cent precision", d.String())
	}
	if cents.Abs().GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return cents.IntPart(), nil
}

// FromCents renders cents as a decimal.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents with two decimal places, e.g. "-12.05".
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}

// PercentOf returns ratePercent% of cents, rounded half away from zero to a whole cent.
func PercentOf(cents int64, ratePercent decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(ratePercent).Div(hundred).Round(0).IntPart()
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
