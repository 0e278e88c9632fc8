// Package strategy implements the BiGe 7x decision core (C5): a pure
// function from one completed bar plus per-symbol state to at most one
// action. It never imports broker, notify, or controller — callers perform
// whatever I/O an Action implies and then commit the resulting state change
// through CommitEntry/CommitAdd/CommitClose. All three are contingent on
// order success: a rejected or failed broker call must leave SymbolState
// untouched so the next bar retries against the still-open venue position
// (spec.md §7, "position-blocking rejects pause that symbol for the current
// tick").
package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/indicator"
	"github.com/bige7x/liveengine/internal/state"
)

// Params is the PHASE1_CONFIG strategy-parameter contract (spec.md §4.5,
// §6.4). The decision closure over these values is fixed at controller
// start.
type Params struct {
	Leverage                int
	PositionSizePct         float64
	PullbackTolerance       float64
	MA20Buffer              float64
	MaxAddCount             int
	AddPositionMinInterval  int64
	StopLossConfirmBars     int
	EmergencyStopATR        float64
}

// ActionKind is the sum type of what the decision core asks the caller to
// do. Zero value is NoOp.
type ActionKind int

const (
	NoOp ActionKind = iota
	OpenLong
	OpenShort
	Add
	Close
)

func (k ActionKind) String() string {
	switch k {
	case OpenLong:
		return "open_long"
	case OpenShort:
		return "open_short"
	case Add:
		return "add"
	case Close:
		return "close"
	default:
		return "no_op"
	}
}

// CloseReason distinguishes why a Close action fired, for notification
// wording and tests (S4 vs S5).
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseEmergency
	CloseConfirmation
)

// Action is the at-most-one-per-bar instruction the caller must execute.
// InitialStop is only meaningful for OpenLong/OpenShort: the stop to commit
// via CommitEntry once the order fills.
type Action struct {
	Kind        ActionKind
	CloseReason CloseReason
	InitialStop decimal.Decimal
}

// Decide runs the deterministic per-bar algorithm from spec.md §4.5 against
// row, the most recently completed bar. prev is accepted for API symmetry
// with the two-bar contract the spec describes; indicator.Bar already
// carries its own computed AVG/ATR columns, so no field of prev is read
// directly — it exists so callers that window raw candles can pass the bar
// immediately before row without the core silently accepting a gap.
func Decide(s *state.SymbolState, row, prev indicator.Bar, p Params) Action {
	// 1. New-bar gate.
	if !row.OpenTime.After(s.LastBarOpenTime) {
		return Action{Kind: NoOp}
	}
	s.LastBarOpenTime = row.OpenTime
	s.BarSeq++

	// 2. Indicators must be ready.
	if !row.AVG20.Ready || !row.AVG60.Ready || !row.ATR14.Ready {
		return Action{Kind: NoOp}
	}

	avg20 := row.AVG20.V
	avg60 := row.AVG60.V
	atr14 := row.ATR14.V

	if s.Direction != state.DirNone {
		return decideWithPosition(s, row, avg20, atr14, p)
	}
	return decideEntry(row, avg20, avg60, p)
}

func decideWithPosition(s *state.SymbolState, row indicator.Bar, avg20, atr14 float64, p Params) Action {
	updateTrailingStop(s, avg20, p.MA20Buffer)

	if a, closed := checkEmergencyStop(s, row, avg20, atr14, p); closed {
		return a
	}
	if a, closed := checkConfirmationStop(s, row, p); closed {
		return a
	}
	return checkAdd(s, row, avg20, p)
}

// updateTrailingStop is monotone: stop_loss never decreases while LONG,
// never increases while SHORT (invariant 1). An unset (zero) stop, as left
// by restart recovery without ready indicators, is set from avg20.
func updateTrailingStop(s *state.SymbolState, avg20, buffer float64) {
	switch s.Direction {
	case state.DirLong:
		newStop := decimal.NewFromFloat(avg20 * (1 - buffer))
		if newStop.GreaterThan(s.StopLoss) {
			s.StopLoss = newStop
		}
	case state.DirShort:
		newStop := decimal.NewFromFloat(avg20 * (1 + buffer))
		if s.StopLoss.IsZero() || newStop.LessThan(s.StopLoss) {
			s.StopLoss = newStop
		}
	}
}

func checkEmergencyStop(s *state.SymbolState, row indicator.Bar, avg20, atr14 float64, p Params) (Action, bool) {
	if p.EmergencyStopATR == 0 {
		return Action{}, false
	}
	var breach float64
	switch s.Direction {
	case state.DirLong:
		breach = avg20 - row.Low
	case state.DirShort:
		breach = row.High - avg20
	}
	if breach > p.EmergencyStopATR*atr14 {
		return Action{Kind: Close, CloseReason: CloseEmergency}, true
	}
	return Action{}, false
}

func checkConfirmationStop(s *state.SymbolState, row indicator.Bar, p Params) (Action, bool) {
	stop, _ := s.StopLoss.Float64()
	var touched bool
	switch s.Direction {
	case state.DirLong:
		touched = row.Low <= stop
	case state.DirShort:
		touched = row.High >= stop
	}
	if touched {
		s.BelowStopCt++
	} else {
		s.BelowStopCt = 0
	}
	if s.BelowStopCt >= p.StopLossConfirmBars {
		return Action{Kind: Close, CloseReason: CloseConfirmation}, true
	}
	return Action{}, false
}

func checkAdd(s *state.SymbolState, row indicator.Bar, avg20 float64, p Params) Action {
	if s.AddCount >= p.MaxAddCount {
		return Action{Kind: NoOp}
	}
	last := s.EntryBarSeq
	if s.LastAddBarSeq > last {
		last = s.LastAddBarSeq
	}
	if s.BarSeq-last < p.AddPositionMinInterval {
		return Action{Kind: NoOp}
	}

	stop, _ := s.StopLoss.Float64()
	var fire bool
	switch s.Direction {
	case state.DirLong:
		fire = math.Abs(row.Low-avg20)/avg20 < p.PullbackTolerance &&
			row.Low > stop &&
			row.Close > avg20
	case state.DirShort:
		fire = math.Abs(row.High-avg20)/avg20 < p.PullbackTolerance &&
			row.High < stop &&
			row.Close < avg20
	}
	if !fire {
		return Action{Kind: NoOp}
	}
	return Action{Kind: Add}
}

func decideEntry(row indicator.Bar, avg20, avg60 float64, p Params) Action {
	uptrend := avg20 > avg60
	downtrend := avg20 < avg60

	if uptrend &&
		math.Abs(row.Low-avg20)/avg20 < p.PullbackTolerance &&
		row.Low > avg20*(1-p.MA20Buffer) &&
		row.Close > avg20 {
		return Action{Kind: OpenLong, InitialStop: decimal.NewFromFloat(avg20 * (1 - p.MA20Buffer))}
	}
	if downtrend &&
		math.Abs(row.High-avg20)/avg20 < p.PullbackTolerance &&
		row.High < avg20*(1+p.MA20Buffer) &&
		row.Close < avg20 {
		return Action{Kind: OpenShort, InitialStop: decimal.NewFromFloat(avg20 * (1 + p.MA20Buffer))}
	}
	return Action{Kind: NoOp}
}

// CommitEntry finalizes a successful OpenLong/OpenShort execution. dir must
// be state.DirLong or state.DirShort. entryPrice is the executed average
// price (spec.md §4.5: "entry_price = executed avg price").
func CommitEntry(s *state.SymbolState, dir state.Direction, entryPrice, initialStop decimal.Decimal) {
	s.Direction = dir
	s.EntryPrice = entryPrice
	s.StopLoss = initialStop
	s.EntryBarSeq = s.BarSeq
	s.LastAddBarSeq = s.BarSeq
	s.AddCount = 0
	s.BelowStopCt = 0
}

// CommitAdd finalizes a successful add-position execution.
func CommitAdd(s *state.SymbolState) {
	s.AddCount++
	s.LastAddBarSeq = s.BarSeq
}

// CommitClose finalizes a successful close, resetting position-scoped
// state. Must only be called after the broker confirms the position is
// flat — a failed ClosePosition call must leave s untouched so the next
// bar's Decide retries the close against the still-open venue position.
func CommitClose(s *state.SymbolState) {
	s.Reset()
}

// AddQty returns the quantity to add given the current position quantity:
// a fixed 0.5x the existing size (spec.md §4.5/glossary).
func AddQty(currentQty decimal.Decimal) decimal.Decimal {
	return currentQty.Mul(decimal.NewFromFloat(0.5))
}
