// Package state holds the per-symbol state machine memory (C4) and the
// controller-wide RunState. A SymbolState has exactly one writer — the
// controller goroutine handling that symbol — and external readers (a
// status printer, metrics) must only ever see a consistent snapshot, never
// a value mid-mutation; callers achieve this by copying the struct (its
// decimal.Decimal fields are immutable values) under the owning mutex rather
// than sharing references.
package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is a sum type: never infer "no position" from a zero quantity.
type Direction int

const (
	DirNone Direction = iota
	DirLong
	DirShort
)

func (d Direction) String() string {
	switch d {
	case DirLong:
		return "long"
	case DirShort:
		return "short"
	default:
		return "none"
	}
}

// SymbolState is the strategy core's memory for one symbol. Zero value is a
// flat, fresh symbol.
type SymbolState struct {
	Symbol string

	Direction  Direction
	EntryPrice decimal.Decimal // defined iff Direction != DirNone
	StopLoss   decimal.Decimal // defined iff Direction != DirNone

	AddCount    int
	BelowStopCt int

	EntryBarSeq   int64
	LastAddBarSeq int64
	BarSeq        int64

	LastBarOpenTime time.Time
}

// Reset clears position-scoped fields back to a flat state. Counters and
// bar-sequence bookkeeping that must survive across positions (BarSeq,
// LastBarOpenTime) are left untouched — spec.md §3's invariant is scoped to
// the fields that are only meaningful "iff direction != none".
func (s *SymbolState) Reset() {
	s.Direction = DirNone
	s.EntryPrice = decimal.Zero
	s.StopLoss = decimal.Zero
	s.AddCount = 0
	s.BelowStopCt = 0
	s.EntryBarSeq = 0
	s.LastAddBarSeq = 0
}

// RunState is the controller-wide bookkeeping shared across all symbols.
type RunState struct {
	Symbols []string

	StartTime       time.Time
	StartEquity     decimal.Decimal
	DailyStartEquity decimal.Decimal

	DailyTrades  int
	DailyWins    int
	TotalTrades  int
	WinningTrades int
	TotalPnLPct  decimal.Decimal

	LastHeartbeat       time.Time
	LastDailyReportDate time.Time
	ConsecutiveErrors   int
}
