package capital

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bige7x/liveengine/internal/broker"
)

func TestSize_SplitsEquityAcrossSymbols(t *testing.T) {
	prec := broker.Precision{PriceDigits: 2, QtyDigits: 3, MinNotional: decimal.NewFromInt(5)}
	plan, err := Size(decimal.NewFromInt(10000), 5, 7, 1.0, decimal.NewFromInt(30000), prec)
	require.NoError(t, err)
	// per-symbol equity 2000, margin 2000, notional 14000, qty = 14000/30000 = 0.466...
	assert.True(t, plan.Qty.Equal(decimal.RequireFromString("0.466")))
}

func TestSize_RejectsBelowMinNotional(t *testing.T) {
	prec := broker.Precision{PriceDigits: 2, QtyDigits: 3, MinNotional: decimal.NewFromInt(1000)}
	_, err := Size(decimal.NewFromInt(100), 10, 1, 0.1, decimal.NewFromInt(30000), prec)
	assert.ErrorIs(t, err, ErrBelowMinNotional)
}
