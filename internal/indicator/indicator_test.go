package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bige7x/liveengine/internal/candle"
)

func flatSeries(n int, price float64) candle.Series {
	out := make(candle.Series, n)
	base := time.Unix(0, 0)
	for i := 0; i < n; i++ {
		out[i] = candle.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price, High: price, Low: price, Close: price,
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return out
}

func TestMA_NotReadyBeforeWindow(t *testing.T) {
	s := flatSeries(5, 100)
	out := MA(s, 3)
	assert.False(t, out[0].Ready)
	assert.False(t, out[1].Ready)
	require.True(t, out[2].Ready)
	assert.InDelta(t, 100, out[2].V, 1e-9)
}

func TestMA_Deterministic(t *testing.T) {
	s := flatSeries(10, 50)
	for i := range s {
		s[i].Close = float64(i + 1)
	}
	a := MA(s, 4)
	b := MA(s, 4)
	assert.Equal(t, a, b, "ma(n,s) must be bit-identical when recomputed from the same slice")
}

func TestEMA_SeededFromFirstClose(t *testing.T) {
	s := flatSeries(3, 0)
	s[0].Close, s[1].Close, s[2].Close = 10, 20, 30
	out := EMA(s, 2)
	require.True(t, out[0].Ready)
	assert.InDelta(t, 10, out[0].V, 1e-9)
}

func TestATR_HighEqualsLow_ZeroTRContribution(t *testing.T) {
	s := flatSeries(20, 100)
	out := ATR(s, 14)
	require.True(t, out[14].Ready)
	assert.InDelta(t, 0, out[14].V, 1e-9, "flat series: every TR is 0")
}

func TestATR_NotReadyBeforeWindow(t *testing.T) {
	s := flatSeries(10, 100)
	out := ATR(s, 14)
	for i := range out {
		assert.False(t, out[i].Ready)
	}
}

func TestCompute_First59Bars_NotReady(t *testing.T) {
	s := flatSeries(59, 100)
	for i := range s {
		s[i].Close = 100 + float64(i)
	}
	bars := Compute(s)
	for i := 0; i < 59; i++ {
		assert.False(t, bars[i].AVG60.Ready, "bar %d: avg60 needs 60 bars", i)
	}
}

func TestCompute_AVG20IsAverageOfMAAndEMA(t *testing.T) {
	s := flatSeries(25, 100)
	for i := range s {
		s[i].Close = 100 + float64(i)
	}
	bars := Compute(s)
	last := bars[len(bars)-1]
	require.True(t, last.AVG20.Ready)
	assert.InDelta(t, (last.MA20.V+last.EMA20.V)/2, last.AVG20.V, 1e-9)
}

func TestValue_OrFallsBackWhenNotReady(t *testing.T) {
	v := Value{Ready: false}
	assert.Equal(t, 7.0, v.Or(7.0))
	r := Value{Ready: true, V: 3}
	assert.Equal(t, 3.0, r.Or(7.0))
}
