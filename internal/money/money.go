// Package money implements integer minor-unit arithmetic for the billing
// engine. All amounts are cents; percentages come in two conventions that
// are deliberately kept distinct: promo, sibling and late-fee percentages
// are basis points (10000 = 100%), while tax rates are fractions (0-1).
// The mixed convention matches what external callers already depend on.
package money

import "fmt"

// Cents is an amount in integer minor units. Negative values represent
// credits (discount line items, refund ledger entries).
type Cents = int64

// FullBasisPoints is the basis-point value representing 100%.
const FullBasisPoints int64 = 10000

// ApplyBasisPoints returns amount scaled by bp basis points, rounding half
// away from zero.
func ApplyBasisPoints(amount Cents, bp int64) Cents {
	product := amount * bp
	if product >= 0 {
		return (product + FullBasisPoints/2) / FullBasisPoints
	}
	return (product - FullBasisPoints/2) / FullBasisPoints
}

// ApplyFraction returns amount scaled by a 0-1 fraction, rounding half away
// from zero. Tax amounts are computed with this.
func ApplyFraction(amount Cents, fraction float64) Cents {
	product := float64(amount) * fraction
	if product >= 0 {
		return Cents(product + 0.5)
	}
	return Cents(product - 0.5)
}

// FlatDiscount caps a flat discount at the discountable amount. The result
// is never negative.
func FlatDiscount(amount, value Cents) Cents {
	if value <= 0 || amount <= 0 {
		return 0
	}
	if value > amount {
		return amount
	}
	return value
}

// Clamp returns amount floored at zero.
func Clamp(amount Cents) Cents {
	if amount < 0 {
		return 0
	}
	return amount
}

// Format renders cents as a dollar string, e.g. 8500 -> "$85.00".
func Format(amount Cents) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s$%d.%02d", sign, amount/100, amount%100)
}
