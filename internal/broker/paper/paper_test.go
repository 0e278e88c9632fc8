package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bige7x/liveengine/internal/broker"
)

// A winning LONG closed in full must realize its gain into equity — not
// just report it as unrealized P&L on a position that GetBalance then
// stops seeing once ClosePosition deletes it (spec.md §4.8).
func TestClosePosition_RealizesGainIntoEquity(t *testing.T) {
	ctx := context.Background()
	b := New(decimal.NewFromInt(1000))
	b.SetMark("BTCUSDT", decimal.NewFromInt(30000))

	_, err := b.MarketOrder(ctx, "BTCUSDT", broker.Buy, decimal.NewFromFloat(1))
	require.NoError(t, err)

	b.SetMark("BTCUSDT", decimal.NewFromInt(30500))
	_, err = b.ClosePosition(ctx, "BTCUSDT")
	require.NoError(t, err)

	bal, err := b.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(decimal.NewFromInt(1500)), "expected equity 1500 (1000 start + 500 gain), got %s", bal.Total)
	assert.True(t, bal.UnrealizedPnL.IsZero(), "no position remains open, unrealized must be zero")
}

// A losing SHORT reduced (not fully closed) must realize only the closed
// portion's loss, leaving the remainder's unrealized P&L to GetBalance.
func TestMarketOrder_PartialReduce_RealizesOnlyClosedPortion(t *testing.T) {
	ctx := context.Background()
	b := New(decimal.NewFromInt(1000))
	b.SetMark("ETHUSDT", decimal.NewFromInt(2000))

	_, err := b.MarketOrder(ctx, "ETHUSDT", broker.Sell, decimal.NewFromFloat(10))
	require.NoError(t, err)

	b.SetMark("ETHUSDT", decimal.NewFromInt(2100)) // price rose: SHORT is losing
	_, err = b.MarketOrder(ctx, "ETHUSDT", broker.Buy, decimal.NewFromFloat(4))
	require.NoError(t, err)

	bal, err := b.GetBalance(ctx)
	require.NoError(t, err)
	// realized: (2000-2100)*4 = -400 folded into equity; remaining 6 units
	// still open, unrealized (2000-2100)*6 = -600 reported separately.
	assert.True(t, bal.Total.Equal(decimal.NewFromInt(600)), "expected equity 600 (1000 - 400 realized loss), got %s", bal.Total)
	assert.True(t, bal.UnrealizedPnL.Equal(decimal.NewFromInt(-600)), "expected -600 unrealized on the remaining 6 units, got %s", bal.UnrealizedPnL)

	pos, err := b.GetPosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(6)))
}

// Flipping a LONG into a SHORT in one fill realizes the full closed
// quantity's gain/loss, then opens the new position at the flip's mark.
func TestMarketOrder_Flip_RealizesFullClosedPosition(t *testing.T) {
	ctx := context.Background()
	b := New(decimal.NewFromInt(1000))
	b.SetMark("BTCUSDT", decimal.NewFromInt(100))

	_, err := b.MarketOrder(ctx, "BTCUSDT", broker.Buy, decimal.NewFromFloat(2))
	require.NoError(t, err)

	b.SetMark("BTCUSDT", decimal.NewFromInt(110))
	_, err = b.MarketOrder(ctx, "BTCUSDT", broker.Sell, decimal.NewFromFloat(5))
	require.NoError(t, err)

	bal, err := b.GetBalance(ctx)
	require.NoError(t, err)
	// realized: (110-100)*2 = 20 on the closed LONG.
	assert.True(t, bal.Total.Equal(decimal.NewFromInt(1020)), "expected equity 1020, got %s", bal.Total)

	pos, err := b.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, broker.Short, pos.Side)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(3)), "new SHORT should carry the unmatched 5-2=3 quantity")
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(110)))
}
