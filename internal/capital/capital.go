// Package capital implements the shared-capital allocator (C6): splitting
// available equity evenly across the configured symbol set and sizing new
// entries at a fixed fraction of each symbol's slot times leverage.
package capital

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/broker"
	"github.com/bige7x/liveengine/internal/money"
)

// ErrBelowMinNotional is returned by Size when the computed quantity times
// mark price would fall under the symbol's minimum notional floor.
var ErrBelowMinNotional = fmt.Errorf("capital: sized quantity below minimum notional")

// Plan is a sized entry ready to submit as a market order.
type Plan struct {
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Margin   decimal.Decimal
}

// Size computes an entry's quantity per spec.md §4.6. availableEquity must
// be read fresh from the broker at entry time — callers must never cache
// it across ticks (spec.md §4.6 "never cached across ticks").
func Size(availableEquity decimal.Decimal, symbolCount int, leverage int, positionSizePct float64, markPrice decimal.Decimal, prec broker.Precision) (Plan, error) {
	if symbolCount <= 0 {
		return Plan{}, fmt.Errorf("capital: symbol count must be > 0")
	}
	if markPrice.Sign() <= 0 {
		return Plan{}, fmt.Errorf("capital: mark price must be > 0")
	}

	perSymbolEquity := availableEquity.Div(decimal.NewFromInt(int64(symbolCount)))
	margin := perSymbolEquity.Mul(decimal.NewFromFloat(positionSizePct))
	notional := margin.Mul(decimal.NewFromInt(int64(leverage)))
	qty := money.RoundQtyDown(notional.Div(markPrice), prec.QtyDigits)

	if !money.MeetsMinNotional(qty, markPrice, prec.MinNotional) {
		return Plan{}, ErrBelowMinNotional
	}

	return Plan{Qty: qty, Notional: qty.Mul(markPrice), Margin: margin}, nil
}
