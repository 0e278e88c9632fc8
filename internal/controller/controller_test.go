package controller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bige7x/liveengine/internal/broker"
	"github.com/bige7x/liveengine/internal/candle"
	"github.com/bige7x/liveengine/internal/indicator"
	"github.com/bige7x/liveengine/internal/state"
	"github.com/bige7x/liveengine/internal/strategy"
)

// fakeBroker implements broker.Broker with just enough behavior for
// recoverPositions: a fixed position per symbol and a fixed klines series.
// Every other method is an unused no-op.
type fakeBroker struct {
	positions map[string]broker.Position
	klines    map[string]candle.Series
}

func (f *fakeBroker) Ping(ctx context.Context) error                         { return nil }
func (f *fakeBroker) ServerTime(ctx context.Context) (time.Time, error)      { return time.Time{}, nil }
func (f *fakeBroker) GetBalance(ctx context.Context) (broker.Balance, error) { return broker.Balance{}, nil }

func (f *fakeBroker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	if p, ok := f.positions[symbol]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeBroker) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	out := make([]broker.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeBroker) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	return nil
}

func (f *fakeBroker) MarketOrder(ctx context.Context, symbol string, side broker.Side, qty decimal.Decimal) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	return nil, nil
}

func (f *fakeBroker) GetKlines(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	return f.klines[symbol], nil
}

func (f *fakeBroker) GetSymbolPrecision(ctx context.Context, symbol string) (broker.Precision, error) {
	return broker.Precision{PriceDigits: 2, QtyDigits: 3, MinNotional: decimal.NewFromInt(5)}, nil
}

func (f *fakeBroker) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

var _ broker.Broker = (*fakeBroker)(nil)

// readySeries builds n ascending 1h candles with a gentle uptrend; with n=70
// the last bar's AVG20 (the indicator recoverPositions checks) is Ready.
func readySeries(n int, startMs int64, lastClose float64) candle.Series {
	out := make(candle.Series, n)
	for i := 0; i < n; i++ {
		t := time.UnixMilli(startMs + int64(i)*3_600_000).UTC()
		c := lastClose + float64(i)*0.1
		out[i] = candle.Candle{
			OpenTime: t, Open: c - 0.05, High: c + 1, Low: c - 1, Close: c, Volume: 10,
			CloseTime: t.Add(time.Hour),
		}
	}
	return out
}

func newTestController(fb *fakeBroker, symbols []string) *Controller {
	return New(Config{
		Broker:       fb,
		Symbols:      symbols,
		Timeframe:    "1h",
		TickInterval: time.Minute,
		Params: strategy.Params{
			Leverage:            7,
			PositionSizePct:     1.0,
			MaxAddCount:         3,
			MA20Buffer:          0.02,
			StopLossConfirmBars: 10,
			EmergencyStopATR:    3.5,
		},
	})
}

// S6 (spec.md §8, restart recovery): a LONG position reported by the venue
// must recover with add_count pinned at max (blocking further adds) and
// stop_loss recomputed from the current avg20 with the LONG buffer.
func TestRecoverPositions_LongSetsMaxAddCountAndRecomputesStop(t *testing.T) {
	fb := &fakeBroker{
		positions: map[string]broker.Position{
			"BTCUSDT": {Symbol: "BTCUSDT", Side: broker.Long, Quantity: decimal.NewFromFloat(1.5), EntryPrice: decimal.NewFromFloat(30000)},
		},
		klines: map[string]candle.Series{
			"BTCUSDT": readySeries(70, 1_700_000_000_000, 30000),
		},
	}
	c := newTestController(fb, []string{"BTCUSDT"})

	recovered := c.recoverPositions(context.Background())

	require.Contains(t, recovered, "BTCUSDT")
	s := c.states["BTCUSDT"]
	assert.Equal(t, state.DirLong, s.Direction)
	assert.Equal(t, c.params.MaxAddCount, s.AddCount, "a recovered position must block further adds (spec.md §4.7)")
	assert.True(t, s.EntryPrice.Equal(decimal.NewFromFloat(30000)))
	assert.False(t, s.StopLoss.IsZero(), "stop_loss must be recomputed from the current avg20, not left zero")

	// LONG stop sits below avg20 by MA20Buffer.
	bars := mustBars(t, fb, "BTCUSDT", c)
	avg20 := bars[len(bars)-1].AVG20.V
	want := decimal.NewFromFloat(avg20 * (1 - c.params.MA20Buffer))
	assert.True(t, s.StopLoss.Equal(want), "expected stop_loss %s, got %s", want, s.StopLoss)
}

// Mirror case for SHORT: stop recomputes above avg20.
func TestRecoverPositions_ShortRecomputesStopAboveAVG20(t *testing.T) {
	fb := &fakeBroker{
		positions: map[string]broker.Position{
			"ETHUSDT": {Symbol: "ETHUSDT", Side: broker.Short, Quantity: decimal.NewFromFloat(10), EntryPrice: decimal.NewFromFloat(2000)},
		},
		klines: map[string]candle.Series{
			"ETHUSDT": readySeries(70, 1_700_000_000_000, 2000),
		},
	}
	c := newTestController(fb, []string{"ETHUSDT"})

	recovered := c.recoverPositions(context.Background())

	require.Contains(t, recovered, "ETHUSDT")
	s := c.states["ETHUSDT"]
	assert.Equal(t, state.DirShort, s.Direction)
	assert.Equal(t, c.params.MaxAddCount, s.AddCount)

	bars := mustBars(t, fb, "ETHUSDT", c)
	avg20 := bars[len(bars)-1].AVG20.V
	want := decimal.NewFromFloat(avg20 * (1 + c.params.MA20Buffer))
	assert.True(t, s.StopLoss.Equal(want))
}

// When indicators are not yet ready (too little history), the symbol is
// still reported as recovered (so the operator is alerted of the open
// position) but stop_loss is left unset rather than computed from garbage.
func TestRecoverPositions_IndicatorsNotReady_SkipsStopWithWarning(t *testing.T) {
	fb := &fakeBroker{
		positions: map[string]broker.Position{
			"BTCUSDT": {Symbol: "BTCUSDT", Side: broker.Long, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(30000)},
		},
		klines: map[string]candle.Series{
			"BTCUSDT": readySeries(5, 1_700_000_000_000, 30000), // far short of AVG60's 60-bar warmup
		},
	}
	c := newTestController(fb, []string{"BTCUSDT"})

	recovered := c.recoverPositions(context.Background())

	require.Contains(t, recovered, "BTCUSDT", "an open position must still be surfaced even without a recomputed stop")
	s := c.states["BTCUSDT"]
	assert.Equal(t, state.DirLong, s.Direction)
	assert.True(t, s.StopLoss.IsZero(), "stop_loss must stay unset when indicators are not ready")
}

// A symbol the venue reports as flat is left untouched (DirNone, zero state).
func TestRecoverPositions_FlatSymbolUntouched(t *testing.T) {
	fb := &fakeBroker{positions: map[string]broker.Position{}, klines: map[string]candle.Series{}}
	c := newTestController(fb, []string{"BTCUSDT"})

	recovered := c.recoverPositions(context.Background())

	assert.Empty(t, recovered)
	assert.Equal(t, state.DirNone, c.states["BTCUSDT"].Direction)
}

func mustBars(t *testing.T, fb *fakeBroker, symbol string, c *Controller) []indicator.Bar {
	t.Helper()
	bars, err := c.fetchBars(context.Background(), symbol)
	require.NoError(t, err)
	require.NotEmpty(t, bars)
	return bars
}
