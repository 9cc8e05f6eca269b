// Package money holds the fixed-point helpers used for every price, discount
// and total in the order core. Each helper rounds its own result to two places
// so multi-step calculations never carry sub-cent remainders forward.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places kept for monetary amounts.
const Places = 2

var (
	hundred   = decimal.NewFromInt(100)
	tolerance = decimal.New(1, -Places) // 0.01
)

// Zero is 0.00.
var Zero = decimal.Zero

// Round rounds d to two places, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Parse reads a decimal string and rounds it.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Round(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// LineTotal returns round(unit * qty).
func LineTotal(unit decimal.Decimal, qty int) decimal.Decimal {
	return Round(unit.Mul(decimal.NewFromInt(int64(qty))))
}

// Sum adds the amounts and rounds the result.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return Round(total)
}

// Percent returns round(amount * pct / 100).
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// Sub returns round(max(0, a - b)).
func Sub(a, b decimal.Decimal) decimal.Decimal {
	d := a.Sub(b)
	if d.IsNegative() {
		return decimal.Zero
	}
	return Round(d)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ToCents converts an amount to integer minor units: round(amount * 100).
func ToCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromCents is the inverse of ToCents.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Places)
}

// WithinTolerance reports whether |a - b| <= 0.01.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
