// Package shadow implements the shadow controller (C8): structurally
// identical to internal/controller's live loop, but order execution routes
// to an in-memory paper.Broker instead of the venue, and every simulated
// action/bar-close is appended to a signals journal and an equity journal.
// Klines are still sourced from the real venue broker.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/broker"
	"github.com/bige7x/liveengine/internal/broker/paper"
	"github.com/bige7x/liveengine/internal/capital"
	"github.com/bige7x/liveengine/internal/indicator"
	"github.com/bige7x/liveengine/internal/state"
	"github.com/bige7x/liveengine/internal/strategy"
)

const historyLimit = 200

// SignalEvent is one append-style record in shadow_signals.json.
type SignalEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       string    `json:"qty"`
	Price     string    `json:"price_assumed"`
}

// EquitySnapshot is one entry in the shadow_equity.json time series.
type EquitySnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    string    `json:"equity"`
}

// Config wires the shadow controller's collaborators.
type Config struct {
	RealBroker   broker.Broker // klines source only
	Symbols      []string
	Timeframe    string
	TickInterval time.Duration
	Params       strategy.Params
	StartEquity  decimal.Decimal
	SignalsPath  string // shadow_signals.json
	EquityPath   string // shadow_equity.json
}

// Controller mirrors live decisions without submitting real orders.
type Controller struct {
	real      broker.Broker
	sim       *paper.Broker
	symbols   []string
	timeframe string
	interval  time.Duration
	params    strategy.Params

	signalsPath string
	equityPath  string

	mu      sync.Mutex
	states  map[string]*state.SymbolState
	signals []SignalEvent
	equity  []EquitySnapshot
}

func New(cfg Config) *Controller {
	states := make(map[string]*state.SymbolState, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		states[sym] = &state.SymbolState{Symbol: sym}
	}
	return &Controller{
		real:        cfg.RealBroker,
		sim:         paper.New(cfg.StartEquity),
		symbols:     cfg.Symbols,
		timeframe:   cfg.Timeframe,
		interval:    cfg.TickInterval,
		params:      cfg.Params,
		signalsPath: cfg.SignalsPath,
		equityPath:  cfg.EquityPath,
		states:      states,
	}
}

// Run drives ticks until ctx is cancelled, journaling to disk after each
// tick.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	for _, sym := range c.symbols {
		if err := c.processSymbol(ctx, sym); err != nil {
			log.Printf("[ERROR] shadow: %s: %v", sym, err)
		}
	}
	c.appendEquitySnapshot(ctx)
	c.persist()
}

func (c *Controller) processSymbol(ctx context.Context, symbol string) error {
	series, err := c.real.GetKlines(ctx, symbol, c.timeframe, historyLimit)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	bars := indicator.Compute(series)
	if len(bars) < 2 {
		return nil
	}
	row := bars[len(bars)-2]
	var prev indicator.Bar
	if len(bars) >= 3 {
		prev = bars[len(bars)-3]
	}
	mark := decimal.NewFromFloat(row.Close)
	c.sim.SetMark(symbol, mark)

	c.mu.Lock()
	s := c.states[symbol]
	c.mu.Unlock()

	action := strategy.Decide(s, row, prev, c.params)

	switch action.Kind {
	case strategy.NoOp:
		return nil
	case strategy.Close:
		return c.simulateClose(ctx, symbol, s, row)
	case strategy.Add:
		return c.simulateAdd(ctx, symbol, s, row)
	case strategy.OpenLong, strategy.OpenShort:
		return c.simulateEntry(ctx, symbol, s, action, row)
	default:
		return nil
	}
}

func (c *Controller) simulateClose(ctx context.Context, symbol string, s *state.SymbolState, row indicator.Bar) error {
	res, err := c.sim.ClosePosition(ctx, symbol)
	if err != nil || res == nil {
		return err
	}
	strategy.CommitClose(s)
	c.journalFill(symbol, "CLOSE", res.ExecutedQty, row.Close)
	return nil
}

func (c *Controller) simulateAdd(ctx context.Context, symbol string, s *state.SymbolState, row indicator.Bar) error {
	pos, err := c.sim.GetPosition(ctx, symbol)
	if err != nil || pos == nil {
		return err
	}
	addQty := strategy.AddQty(pos.Quantity)
	side := broker.Buy
	if s.Direction == state.DirShort {
		side = broker.Sell
	}
	res, err := c.sim.MarketOrder(ctx, symbol, side, addQty)
	if err != nil {
		return err
	}
	strategy.CommitAdd(s)
	c.journalFill(symbol, string(side), res.ExecutedQty, row.Close)
	return nil
}

func (c *Controller) simulateEntry(ctx context.Context, symbol string, s *state.SymbolState, action strategy.Action, row indicator.Bar) error {
	bal, err := c.sim.GetBalance(ctx)
	if err != nil {
		return err
	}
	prec, err := c.sim.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return err
	}
	mark, err := c.sim.MarkPrice(ctx, symbol)
	if err != nil {
		return err
	}
	plan, err := capital.Size(bal.Available, len(c.symbols), c.params.Leverage, c.params.PositionSizePct, mark, prec)
	if err != nil {
		return err
	}
	side := broker.Buy
	dir := state.DirLong
	if action.Kind == strategy.OpenShort {
		side = broker.Sell
		dir = state.DirShort
	}
	res, err := c.sim.MarketOrder(ctx, symbol, side, plan.Qty)
	if err != nil {
		return err
	}
	strategy.CommitEntry(s, dir, res.AvgPrice.Value(), action.InitialStop)
	c.journalFill(symbol, string(side), res.ExecutedQty, row.Close)
	return nil
}

func (c *Controller) journalFill(symbol, side string, qty decimal.Decimal, priceAssumed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, SignalEvent{
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Side:      side,
		Qty:       qty.String(),
		Price:     decimal.NewFromFloat(priceAssumed).String(),
	})
}

func (c *Controller) appendEquitySnapshot(ctx context.Context) {
	bal, err := c.sim.GetBalance(ctx)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.equity = append(c.equity, EquitySnapshot{
		Timestamp: time.Now().UTC(),
		Equity:    bal.Total.Add(bal.UnrealizedPnL).String(),
	})
}

func (c *Controller) persist() {
	c.mu.Lock()
	signals := append([]SignalEvent(nil), c.signals...)
	equity := append([]EquitySnapshot(nil), c.equity...)
	c.mu.Unlock()

	writeJSON(c.signalsPath, signals)
	writeJSON(c.equityPath, equity)
}

func writeJSON(path string, v interface{}) {
	if path == "" {
		return
	}
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Printf("[WARN] shadow: marshal %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, bs, 0o644); err != nil {
		log.Printf("[WARN] shadow: write %s: %v", path, err)
	}
}
