// Package indicator implements the pure indicator kernel (C1): rolling SMA,
// EMA, Wilder-style ATR, and the composite AVG20/AVG60 the strategy core
// reads. Functions here are pure over a candle.Series and never read the
// clock, env, or network — this is what keeps live/backtest callers
// bit-identical on the same input series (spec.md §4.1).
//
// Unlike the teacher's indicators.go (which returns NaN/0 for not-ready
// indices, a sentinel that silently enters arithmetic), every output here is
// a Value with an explicit Ready flag. The rolling-window math never produces
// NaN; readiness is tracked by index alone.
package indicator

import (
	"math"

	"github.com/bige7x/liveengine/internal/candle"
)

// Value is an indicator reading that may not yet be ready (insufficient
// history). Never treat a zero Value as a zero reading — check Ready first.
type Value struct {
	V     float64
	Ready bool
}

func ready(v float64) Value  { return Value{V: v, Ready: true} }
func notReady() Value        { return Value{Ready: false} }
func (v Value) Or(d float64) float64 {
	if v.Ready {
		return v.V
	}
	return d
}

// MA returns the n-period simple moving average of Close, aligned to c.
// Index i is not-ready for i < n-1.
func MA(c candle.Series, n int) []Value {
	out := make([]Value, len(c))
	if n <= 0 {
		for i := range out {
			out[i] = notReady()
		}
		return out
	}
	var sum float64
	for i := range c {
		sum += c[i].Close
		if i >= n {
			sum -= c[i-n].Close
		}
		if i >= n-1 {
			out[i] = ready(sum / float64(n))
		} else {
			out[i] = notReady()
		}
	}
	return out
}

// EMA returns the n-period exponential moving average of Close, using the
// non-adjusting recursion seeded with the first Close: ema[0] = close[0],
// ema[i] = alpha*close[i] + (1-alpha)*ema[i-1], alpha = 2/(n+1). Every index
// from 0 is "ready" by this seeding convention (spec.md §4.1 requires this
// exact seeding to keep live/backtest callers in agreement — no synthetic
// warm-up window).
func EMA(c candle.Series, n int) []Value {
	out := make([]Value, len(c))
	if n <= 0 || len(c) == 0 {
		return out
	}
	alpha := 2.0 / (float64(n) + 1.0)
	prev := c[0].Close
	out[0] = ready(prev)
	for i := 1; i < len(c); i++ {
		prev = alpha*c[i].Close + (1-alpha)*prev
		out[i] = ready(prev)
	}
	return out
}

// ATR returns the n-period Average True Range (simple mean of the last n
// True Range values, Wilder's TR definition). Index i is not-ready for
// i < n. A bar with High == Low contributes TR == |High - PrevClose|, which
// may be 0 only when the whole window is flat; callers must guard division
// by ATR==0 downstream (spec.md §8 boundary case).
func ATR(c candle.Series, n int) []Value {
	out := make([]Value, len(c))
	if n <= 0 || len(c) == 0 {
		for i := range out {
			out[i] = notReady()
		}
		return out
	}
	tr := make([]float64, len(c))
	for i := range c {
		if i == 0 {
			tr[i] = c[i].High - c[i].Low
			continue
		}
		hl := c[i].High - c[i].Low
		hc := math.Abs(c[i].High - c[i-1].Close)
		lc := math.Abs(c[i].Low - c[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := range c {
		sum += tr[i]
		if i >= n {
			sum -= tr[i-n]
		}
		if i >= n {
			out[i] = ready(sum / float64(n))
		} else {
			out[i] = notReady()
		}
	}
	return out
}

// Bar is a Candle plus the composite indicator columns the strategy core
// consumes. AVG20/AVG60 are undefined (Ready=false) until MA20/EMA20 (resp.
// MA60/EMA60) are both ready.
type Bar struct {
	candle.Candle
	MA20, MA60   Value
	EMA20, EMA60 Value
	AVG20, AVG60 Value
	ATR14        Value
}

// Compute builds the aligned []Bar for an entire series. It is O(n) per
// column; callers that poll incrementally (C7/C8) should recompute the
// tail rather than re-deriving the whole history every tick if the series
// is large, though correctness does not depend on it.
func Compute(c candle.Series) []Bar {
	ma20 := MA(c, 20)
	ma60 := MA(c, 60)
	ema20 := EMA(c, 20)
	ema60 := EMA(c, 60)
	atr14 := ATR(c, 14)

	out := make([]Bar, len(c))
	for i := range c {
		b := Bar{
			Candle: c[i],
			MA20:   ma20[i], MA60: ma60[i],
			EMA20: ema20[i], EMA60: ema60[i],
			ATR14: atr14[i],
		}
		if b.MA20.Ready && b.EMA20.Ready {
			b.AVG20 = ready((b.MA20.V + b.EMA20.V) / 2)
		}
		if b.MA60.Ready && b.EMA60.Ready {
			b.AVG60 = ready((b.MA60.V + b.EMA60.V) / 2)
		}
		out[i] = b
	}
	return out
}
