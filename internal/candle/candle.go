// Package candle defines the OHLCV row shared by every component that reads
// or produces market data (broker klines, the indicator kernel, the
// downloader, the strategy core).
package candle

import (
	"fmt"
	"time"
)

// Candle is one completed (or currently-forming) OHLCV bar.
//
// Invariant: High >= max(Open,Close), Low <= min(Open,Close), High >= Low,
// CloseTime > OpenTime. Callers that construct Candle from venue data are
// responsible for Validate()-ing it before it enters the indicator kernel.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Validate checks the OHLC invariants spec.md §3 requires. It intentionally
// does not check CloseTime-OpenTime against a specific timeframe duration;
// callers that know the expected interval should check that separately.
func (c Candle) Validate() error {
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle: high %.8f below open/close (%.8f/%.8f)", c.High, c.Open, c.Close)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle: low %.8f above open/close (%.8f/%.8f)", c.Low, c.Open, c.Close)
	}
	if c.High < c.Low {
		return fmt.Errorf("candle: high %.8f below low %.8f", c.High, c.Low)
	}
	if !c.CloseTime.After(c.OpenTime) {
		return fmt.Errorf("candle: close_time %s not after open_time %s", c.CloseTime, c.OpenTime)
	}
	return nil
}

// Series is an ascending-by-OpenTime slice of Candles. Most of the indicator
// kernel and strategy core take a Series (or a window into one) rather than
// a single Candle.
type Series []Candle

// Closes returns the Close column, aligned to s.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}
