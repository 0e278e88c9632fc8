// Package controller implements the live controller loop (C7): the
// periodic pulse that fetches klines per symbol, detects new-bar events,
// invokes the strategy core, executes via the broker, emits notifications,
// and updates per-symbol state.
//
// Grounded in the teacher's live.go ticker-driven loop (time.Ticker,
// context cancellation, per-tick equity refresh, mtxPnL.Set), generalized
// from one mutable Trader stepping a single product to N independently
// owned state.SymbolState values stepped within one tick — mutex-released-
// around-I/O discipline from the teacher's trader.go/step.go carried over
// as one goroutine per symbol, joined with sync.WaitGroup, each symbol's
// own state touched only by its own goroutine.
package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/broker"
	"github.com/bige7x/liveengine/internal/capital"
	"github.com/bige7x/liveengine/internal/indicator"
	"github.com/bige7x/liveengine/internal/metrics"
	"github.com/bige7x/liveengine/internal/money"
	"github.com/bige7x/liveengine/internal/notify"
	"github.com/bige7x/liveengine/internal/state"
	"github.com/bige7x/liveengine/internal/strategy"
)

// Lifecycle is the controller's coarse-grained run state.
type Lifecycle int

const (
	Init Lifecycle = iota
	Running
	Draining
	Stopped
)

func (l Lifecycle) String() string {
	switch l {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "init"
	}
}

const (
	historyLimit          = 200
	maxConsecutiveErrors  = 5
	httpDeadline          = 10 * time.Second
)

// Config wires the controller's collaborators and run parameters.
type Config struct {
	Broker       broker.Broker
	Notifier     *notify.Notifier
	Symbols      []string
	Timeframe    string
	TickInterval time.Duration
	Params       strategy.Params
}

// Controller owns RunState and the map of SymbolState (one owner per
// symbol, per spec.md §3 ownership rule).
type Controller struct {
	broker    broker.Broker
	notifier  *notify.Notifier
	symbols   []string
	timeframe string
	interval  time.Duration
	params    strategy.Params

	lifecycleMu sync.Mutex
	lifecycle   Lifecycle

	statesMu sync.Mutex
	states   map[string]*state.SymbolState

	run state.RunState

	lastStatusPrint time.Time
}

func New(cfg Config) *Controller {
	states := make(map[string]*state.SymbolState, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		states[sym] = &state.SymbolState{Symbol: sym}
	}
	return &Controller{
		broker:    cfg.Broker,
		notifier:  cfg.Notifier,
		symbols:   cfg.Symbols,
		timeframe: cfg.Timeframe,
		interval:  cfg.TickInterval,
		params:    cfg.Params,
		lifecycle: Init,
		states:    states,
		run:       state.RunState{Symbols: cfg.Symbols, StartTime: time.Now().UTC()},
	}
}

func (c *Controller) setLifecycle(l Lifecycle) {
	c.lifecycleMu.Lock()
	c.lifecycle = l
	c.lifecycleMu.Unlock()
}

func (c *Controller) Lifecycle() Lifecycle {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.lifecycle
}

// Run performs fail-fast initialization and then drives ticks until ctx is
// cancelled. Shutdown is cooperative: the in-flight per-symbol action
// finishes, a shutdown notification with run totals is emitted, positions
// are left open.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.init(ctx); err != nil {
		return fmt.Errorf("controller: init: %w", err)
	}
	c.setLifecycle(Running)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setLifecycle(Draining)
			c.shutdown()
			c.setLifecycle(Stopped)
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) init(ctx context.Context) error {
	ictx, cancel := context.WithTimeout(ctx, httpDeadline)
	defer cancel()
	if err := c.broker.Ping(ictx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	for _, sym := range c.symbols {
		sctx, scancel := context.WithTimeout(ctx, httpDeadline)
		if err := c.broker.SetLeverage(sctx, sym, c.params.Leverage); err != nil {
			scancel()
			return fmt.Errorf("set_leverage(%s): %w", sym, err)
		}
		if err := c.broker.SetMarginMode(sctx, sym, broker.Crossed); err != nil {
			scancel()
			return fmt.Errorf("set_margin_mode(%s): %w", sym, err)
		}
		scancel()
	}

	bctx, bcancel := context.WithTimeout(ctx, httpDeadline)
	bal, err := c.broker.GetBalance(bctx)
	bcancel()
	if err != nil {
		return fmt.Errorf("get_balance: %w", err)
	}
	c.run.StartEquity = bal.Available
	c.run.DailyStartEquity = bal.Available

	recovered := c.recoverPositions(ctx)
	if c.notifier != nil {
		c.notifier.PositionsRecovered(recovered)
	}
	if c.notifier != nil {
		c.notifier.Startup(c.symbols)
	}
	return nil
}

// recoverPositions reconstructs SymbolState for every symbol with a
// venue-reported position, conservatively per spec.md §4.7: add_count is
// set to max (blocking further adds), stop_loss recomputed from the
// current avg20 with the appropriate buffer, or left unset with a loud
// warning if indicators are not yet ready.
func (c *Controller) recoverPositions(ctx context.Context) []string {
	var recovered []string
	for _, sym := range c.symbols {
		pctx, cancel := context.WithTimeout(ctx, httpDeadline)
		pos, err := c.broker.GetPosition(pctx, sym)
		cancel()
		if err != nil || pos == nil {
			continue
		}

		s := c.states[sym]
		dir := state.DirLong
		if pos.Side == broker.Short {
			dir = state.DirShort
		}
		s.Direction = dir
		s.EntryPrice = pos.EntryPrice
		s.AddCount = c.params.MaxAddCount

		kctx, kcancel := context.WithTimeout(ctx, httpDeadline)
		bars, err := c.fetchBars(kctx, sym)
		kcancel()
		if err != nil || len(bars) == 0 || !bars[len(bars)-1].AVG20.Ready {
			log.Printf("[WARN] controller: %s recovered without a ready stop_loss (indicators not ready)", sym)
			recovered = append(recovered, sym)
			continue
		}
		avg20 := bars[len(bars)-1].AVG20.V
		if dir == state.DirLong {
			s.StopLoss = decimal.NewFromFloat(avg20 * (1 - c.params.MA20Buffer))
		} else {
			s.StopLoss = decimal.NewFromFloat(avg20 * (1 + c.params.MA20Buffer))
		}
		recovered = append(recovered, sym)
	}
	return recovered
}

func (c *Controller) fetchBars(ctx context.Context, symbol string) ([]indicator.Bar, error) {
	series, err := c.broker.GetKlines(ctx, symbol, c.timeframe, historyLimit)
	if err != nil {
		return nil, err
	}
	return indicator.Compute(series), nil
}

// tick runs one pulse: per-symbol fetch→decide→execute→update-state→notify,
// concurrent across symbols, strictly serial within one symbol. Errors
// from individual symbols do not abort the tick; they accumulate into the
// controller's consecutive-error counter.
func (c *Controller) tick(ctx context.Context) {
	var wg sync.WaitGroup
	errCh := make(chan error, len(c.symbols))

	for _, sym := range c.symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if err := c.processSymbol(ctx, symbol); err != nil {
				errCh <- fmt.Errorf("%s: %w", symbol, err)
			}
		}(sym)
	}
	wg.Wait()
	close(errCh)

	failed := false
	for err := range errCh {
		failed = true
		log.Printf("[ERROR] controller: %v", err)
	}

	if failed {
		c.run.ConsecutiveErrors++
		metrics.ConsecutiveErrors.Set(float64(c.run.ConsecutiveErrors))
		if c.run.ConsecutiveErrors >= maxConsecutiveErrors {
			if c.notifier != nil {
				c.notifier.Alert(notify.CategorySystemError, fmt.Sprintf("%d consecutive tick errors", c.run.ConsecutiveErrors), time.Now())
			}
			c.run.ConsecutiveErrors = 0
		}
	} else {
		c.run.ConsecutiveErrors = 0
		metrics.ConsecutiveErrors.Set(0)
	}

	now := time.Now()
	if now.Sub(c.lastStatusPrint) >= time.Hour {
		c.lastStatusPrint = now
		log.Printf("[STATUS] symbols=%d consecutive_errors=%d", len(c.symbols), c.run.ConsecutiveErrors)
		if c.notifier != nil {
			c.notifier.Heartbeat(fmt.Sprintf("trades=%d", c.run.TotalTrades), now)
		}
	}
	if c.notifier != nil {
		c.notifier.DailyReport(fmt.Sprintf("trades=%d wins=%d", c.run.DailyTrades, c.run.DailyWins), now)
	}
}

func (c *Controller) processSymbol(ctx context.Context, symbol string) error {
	kctx, kcancel := context.WithTimeout(ctx, httpDeadline)
	bars, err := c.fetchBars(kctx, symbol)
	kcancel()
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if len(bars) < 2 {
		return nil // not enough history yet; not an error condition
	}

	row := bars[len(bars)-2] // last fully completed bar
	var prev indicator.Bar
	if len(bars) >= 3 {
		prev = bars[len(bars)-3]
	}

	s := c.symbolState(symbol)
	action := strategy.Decide(s, row, prev, c.params)
	metrics.DecisionsTotal.WithLabelValues(symbol, action.Kind.String()).Inc()

	switch action.Kind {
	case strategy.NoOp:
		return nil
	case strategy.Close:
		return c.executeClose(ctx, symbol, s, action)
	case strategy.Add:
		return c.executeAdd(ctx, symbol, s, row)
	case strategy.OpenLong, strategy.OpenShort:
		return c.executeEntry(ctx, symbol, s, action, row)
	default:
		return nil
	}
}

func (c *Controller) symbolState(symbol string) *state.SymbolState {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	return c.states[symbol]
}

func (c *Controller) executeClose(ctx context.Context, symbol string, s *state.SymbolState, action strategy.Action) error {
	octx, cancel := context.WithTimeout(ctx, httpDeadline)
	res, err := c.broker.ClosePosition(octx, symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("close_position: %w", err)
	}
	strategy.CommitClose(s)
	reason := "confirmation"
	if action.CloseReason == strategy.CloseEmergency {
		reason = "emergency"
	}
	metrics.ExitReasonsTotal.WithLabelValues(symbol, reason).Inc()
	c.run.TotalTrades++
	if c.notifier != nil && res != nil {
		price, _ := res.AvgPrice.Value().Float64()
		qty, _ := res.ExecutedQty.Float64()
		c.notifier.Exit(symbol, reason, qty, price, 0)
	}
	return nil
}

func (c *Controller) executeAdd(ctx context.Context, symbol string, s *state.SymbolState, row indicator.Bar) error {
	pctx, cancel := context.WithTimeout(ctx, httpDeadline)
	pos, err := c.broker.GetPosition(pctx, symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("get_position: %w", err)
	}
	if pos == nil {
		return nil
	}
	addQty := strategy.AddQty(pos.Quantity)
	side := broker.Buy
	if s.Direction == state.DirShort {
		side = broker.Sell
	}
	octx, ocancel := context.WithTimeout(ctx, httpDeadline)
	res, err := c.broker.MarketOrder(octx, symbol, side, addQty)
	ocancel()
	if err != nil {
		return fmt.Errorf("market_order(add): %w", err)
	}
	strategy.CommitAdd(s)
	metrics.OrdersTotal.WithLabelValues(symbol, string(side)).Inc()
	if c.notifier != nil {
		price, _ := res.AvgPrice.Value().Float64()
		qty, _ := res.ExecutedQty.Float64()
		c.notifier.AddPosition(symbol, qty, price, s.AddCount)
	}
	return nil
}

func (c *Controller) executeEntry(ctx context.Context, symbol string, s *state.SymbolState, action strategy.Action, row indicator.Bar) error {
	bctx, bcancel := context.WithTimeout(ctx, httpDeadline)
	bal, err := c.broker.GetBalance(bctx)
	bcancel()
	if err != nil {
		return fmt.Errorf("get_balance: %w", err)
	}
	pctx, pcancel := context.WithTimeout(ctx, httpDeadline)
	prec, err := c.broker.GetSymbolPrecision(pctx, symbol)
	pcancel()
	if err != nil {
		return fmt.Errorf("get_symbol_precision: %w", err)
	}
	mctx, mcancel := context.WithTimeout(ctx, httpDeadline)
	mark, err := c.broker.MarkPrice(mctx, symbol)
	mcancel()
	if err != nil {
		return fmt.Errorf("mark_price: %w", err)
	}

	plan, err := capital.Size(bal.Available, len(c.symbols), c.params.Leverage, c.params.PositionSizePct, mark, prec)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}

	side := broker.Buy
	dir := state.DirLong
	if action.Kind == strategy.OpenShort {
		side = broker.Sell
		dir = state.DirShort
	}

	octx, ocancel := context.WithTimeout(ctx, httpDeadline)
	res, err := c.broker.MarketOrder(octx, symbol, side, plan.Qty)
	ocancel()
	if err != nil {
		return fmt.Errorf("market_order(entry): %w", err)
	}

	// res.AvgPrice may be a DerivedPrice averaged across fills at whatever
	// precision the fill prices carried; normalize it to the symbol's
	// reported price precision before it becomes the position's entry_price.
	entryPrice := money.RoundPrice(res.AvgPrice.Value(), prec.PriceDigits)
	strategy.CommitEntry(s, dir, entryPrice, action.InitialStop)
	c.run.TotalTrades++
	c.run.DailyTrades++
	metrics.OrdersTotal.WithLabelValues(symbol, string(side)).Inc()
	metrics.EquityUSD.Set(mustFloat(bal.Available))
	if c.notifier != nil {
		price, _ := entryPrice.Float64()
		qty, _ := res.ExecutedQty.Float64()
		c.notifier.Entry(symbol, side2str(side), qty, price)
	}
	return nil
}

func side2str(s broker.Side) string {
	if s == broker.Buy {
		return "LONG"
	}
	return "SHORT"
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (c *Controller) shutdown() {
	if c.notifier != nil {
		pnl, _ := c.run.TotalPnLPct.Float64()
		c.notifier.Shutdown(c.run.TotalTrades, c.run.WinningTrades, pnl)
	}
}

// Snapshot returns a consistent, lock-protected copy of a symbol's state
// for external readers (status printer, /metrics scrape handlers).
func (c *Controller) Snapshot(symbol string) state.SymbolState {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	if s, ok := c.states[symbol]; ok {
		return *s
	}
	return state.SymbolState{}
}
