// Package money holds the fixed-scale decimal helpers used at every order
// sizing and P&L boundary. Indicator math stays float64 (internal/indicator);
// everything that touches quantities, prices, or equity crosses into
// decimal.Decimal here, per spec.md §9 Design Notes: money must never be a
// binary float.
package money

import (
	"github.com/shopspring/decimal"
)

// Price is a sum type for an order's average fill price: it may be absent
// (no fill, no venue field), reported (the venue told us directly), or
// derived (we computed it from fills because the venue field was zero or
// missing). spec.md §4.2 and §9 require this distinction survive past the
// broker boundary instead of collapsing to a bare decimal.
type Price struct {
	state priceState
	value decimal.Decimal
}

type priceState int

const (
	priceAbsent priceState = iota
	priceReported
	priceDerived
)

func ReportedPrice(v decimal.Decimal) Price { return Price{state: priceReported, value: v} }
func DerivedPrice(v decimal.Decimal) Price  { return Price{state: priceDerived, value: v} }
func AbsentPrice() Price                    { return Price{state: priceAbsent} }

func (p Price) Present() bool          { return p.state != priceAbsent }
func (p Price) Derived() bool          { return p.state == priceDerived }
func (p Price) Value() decimal.Decimal { return p.value }

// RoundQtyDown truncates a quantity toward zero to the symbol's quantity
// precision (digits after the decimal point). Truncation, never
// round-to-nearest, guarantees the rounded quantity is affordable — per
// spec.md §4.2: "truncate toward zero to guarantee affordability".
func RoundQtyDown(qty decimal.Decimal, digits int32) decimal.Decimal {
	return qty.Truncate(digits)
}

// RoundPrice rounds a price to the symbol's price precision. Prices are
// only submitted for limit orders; market orders never carry a rounded
// price field, but previews/logs still want it normalized.
func RoundPrice(px decimal.Decimal, digits int32) decimal.Decimal {
	return px.Round(digits)
}

// DigitsFromStep derives a decimal-digit count from an exchange step size
// such as "0.001" (-> 3). Mirrors the teacher's digitsFromStep but operates
// on decimal.Decimal instead of a float64 formatted string, avoiding the
// float-to-string round trip.
func DigitsFromStep(step decimal.Decimal, def int32) int32 {
	if step.Sign() <= 0 {
		return def
	}
	digits := -step.Exponent()
	if digits < 0 {
		return 0
	}
	if digits > 18 {
		digits = 18
	}
	return digits
}

// MeetsMinNotional reports whether qty*price clears the symbol's minimum
// notional floor.
func MeetsMinNotional(qty, price, minNotional decimal.Decimal) bool {
	return qty.Mul(price).GreaterThanOrEqual(minNotional)
}
