// Package paper implements broker.Broker as an in-memory simulator: no
// network calls, fills happen instantly at a caller-fed mark price. Used by
// the shadow controller (C8) and by this package's own tests.
//
// Grounded in the teacher's broker_paper.go (uuid order IDs, mutable single
// price, env-free balances here since the shadow controller seeds balance
// directly rather than through PAPER_*_BALANCE env vars).
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/broker"
	"github.com/bige7x/liveengine/internal/candle"
	"github.com/bige7x/liveengine/internal/money"
)

// Broker is a simulator: it never touches the network. SetMark must be
// called by the caller (typically the shadow controller, fed from real
// venue klines) before an order can be priced.
type Broker struct {
	mu sync.Mutex

	equity    decimal.Decimal
	marks     map[string]decimal.Decimal
	positions map[string]broker.Position
	precision map[string]broker.Precision

	defaultPrecision broker.Precision
}

func New(startEquity decimal.Decimal) *Broker {
	return &Broker{
		equity:    startEquity,
		marks:     map[string]decimal.Decimal{},
		positions: map[string]broker.Position{},
		precision: map[string]broker.Precision{},
		defaultPrecision: broker.Precision{
			PriceDigits: 2,
			QtyDigits:   3,
			MinNotional: decimal.NewFromInt(5),
		},
	}
}

// SetMark feeds the current mark price for symbol, as observed from the
// real venue's klines. The shadow controller calls this once per tick,
// per symbol, before evaluating the strategy core.
func (b *Broker) SetMark(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
}

// SetPrecision overrides the default simulated precision for a symbol,
// typically copied once from the live broker's GetSymbolPrecision so the
// shadow controller rounds identically to what live would do.
func (b *Broker) SetPrecision(symbol string, p broker.Precision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.precision[symbol] = p
}

func (b *Broker) Equity() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.equity
}

func (b *Broker) Ping(ctx context.Context) error { return nil }

func (b *Broker) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Time{}, broker.NewErr("server_time", broker.KindReject, fmt.Errorf("paper broker has no server clock; caller must supply time"))
}

func (b *Broker) GetBalance(ctx context.Context) (broker.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var upnl decimal.Decimal
	for sym, pos := range b.positions {
		mark, ok := b.marks[sym]
		if !ok {
			continue
		}
		upnl = upnl.Add(unrealized(pos, mark))
	}
	return broker.Balance{Total: b.equity, Available: b.equity, UnrealizedPnL: upnl}, nil
}

func unrealized(pos broker.Position, mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(pos.EntryPrice)
	if pos.Side == broker.Short {
		diff = diff.Neg()
	}
	return diff.Mul(pos.Quantity)
}

// realizedPnL computes the gain/loss on closedQty of pos at exit price mark —
// the same per-unit formula as unrealized, applied to the portion of a
// position that a closing/reducing/flipping fill actually extinguishes.
func realizedPnL(pos broker.Position, mark, closedQty decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(pos.EntryPrice)
	if pos.Side == broker.Short {
		diff = diff.Neg()
	}
	return diff.Mul(closedQty)
}

func (b *Broker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[symbol]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (b *Broker) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}

func (b *Broker) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (b *Broker) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	return nil
}

func (b *Broker) precisionFor(symbol string) broker.Precision {
	if p, ok := b.precision[symbol]; ok {
		return p
	}
	return b.defaultPrecision
}

func (b *Broker) MarketOrder(ctx context.Context, symbol string, side broker.Side, qty decimal.Decimal) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mark, ok := b.marks[symbol]
	if !ok || mark.Sign() <= 0 {
		return broker.OrderResult{}, broker.NewErr("market_order", broker.KindNetwork, fmt.Errorf("no mark price set for %s", symbol))
	}
	prec := b.precisionFor(symbol)
	rq := money.RoundQtyDown(qty, prec.QtyDigits)
	if rq.Sign() <= 0 {
		return broker.OrderResult{}, broker.NewErr("market_order", broker.KindPrecision, fmt.Errorf("quantity rounds to zero"))
	}
	if !money.MeetsMinNotional(rq, mark, prec.MinNotional) {
		return broker.OrderResult{}, broker.NewErr("market_order", broker.KindReject, fmt.Errorf("below min notional"))
	}

	existing, has := b.positions[symbol]
	newSide := broker.Long
	if side == broker.Sell {
		newSide = broker.Short
	}
	if !has {
		b.positions[symbol] = broker.Position{
			Symbol: symbol, Side: newSide, Quantity: rq, EntryPrice: mark,
			Leverage: 1, MarginMode: broker.Isolated,
		}
	} else if existing.Side == newSide {
		totalQty := existing.Quantity.Add(rq)
		weighted := existing.EntryPrice.Mul(existing.Quantity).Add(mark.Mul(rq)).Div(totalQty)
		existing.Quantity = totalQty
		existing.EntryPrice = weighted
		b.positions[symbol] = existing
	} else {
		// opposing side against an open position: reduce/flip. Realize P&L
		// on the portion of existing closed before mutating/deleting it —
		// GetBalance only ever reports unrealized P&L on whatever position
		// is currently open, so a closed position's gain/loss must be
		// folded into equity here or it simply vanishes (spec.md §4.8).
		closedQty := rq
		if closedQty.GreaterThan(existing.Quantity) {
			closedQty = existing.Quantity
		}
		b.equity = b.equity.Add(realizedPnL(existing, mark, closedQty))

		if rq.LessThan(existing.Quantity) {
			existing.Quantity = existing.Quantity.Sub(rq)
			b.positions[symbol] = existing
		} else if rq.Equal(existing.Quantity) {
			delete(b.positions, symbol)
		} else {
			b.positions[symbol] = broker.Position{
				Symbol: symbol, Side: newSide, Quantity: rq.Sub(existing.Quantity), EntryPrice: mark,
				Leverage: 1, MarginMode: broker.Isolated,
			}
		}
	}

	return broker.OrderResult{
		OrderID:     uuid.New().String(),
		ExecutedQty: rq,
		AvgPrice:    money.ReportedPrice(mark),
		Status:      "FILLED",
	}, nil
}

func (b *Broker) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	b.mu.Lock()
	pos, ok := b.positions[symbol]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	side := broker.Sell
	if pos.Side == broker.Short {
		side = broker.Buy
	}
	res, err := b.MarketOrder(ctx, symbol, side, pos.Quantity)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	delete(b.positions, symbol)
	b.mu.Unlock()
	return &res, nil
}

// GetKlines is unsupported: the shadow controller sources klines from the
// real venue broker and only routes order placement through paper.Broker.
func (b *Broker) GetKlines(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	return nil, broker.NewErr("get_klines", broker.KindReject, fmt.Errorf("paper broker has no market data; source klines from the live broker"))
}

func (b *Broker) GetSymbolPrecision(ctx context.Context, symbol string) (broker.Precision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.precisionFor(symbol), nil
}

func (b *Broker) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mark, ok := b.marks[symbol]
	if !ok {
		return decimal.Zero, broker.NewErr("mark_price", broker.KindNetwork, fmt.Errorf("no mark price set for %s", symbol))
	}
	return mark, nil
}

var _ broker.Broker = (*Broker)(nil)
