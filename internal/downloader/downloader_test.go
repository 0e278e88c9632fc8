package downloader

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bige7x/liveengine/internal/candle"
)

type fakeFetcher struct {
	series map[string]candle.Series
	err    map[string]error
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{series: map[string]candle.Series{}, err: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) GetKlines(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	key := symbol + "_" + timeframe
	f.calls[key]++
	if err, ok := f.err[key]; ok {
		return nil, err
	}
	return f.series[key], nil
}

func series(n int, startMs int64) candle.Series {
	out := make(candle.Series, n)
	for i := 0; i < n; i++ {
		t := time.UnixMilli(startMs + int64(i)*60000).UTC()
		out[i] = candle.Candle{
			OpenTime:  t,
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 10,
			CloseTime: t.Add(time.Minute),
		}
	}
	return out
}

// invariant 8: every result is success with rows>0 and a monotone-ascending
// first column, or failure with a populated error string.
func TestRun_ResultsSatisfyReportInvariant(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher()
	fetcher.series["BTCUSDT_1h"] = series(5, 1_700_000_000_000)
	fetcher.err["ETHUSDT_1h"] = errors.New("network unreachable")

	d := New(Config{
		Fetcher:        fetcher,
		Root:           dir,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
		Workers:        2,
		MaxRetries:     0,
		RequestsPerMin: 6000,
		Burst:          50,
	})

	report, err := d.Run(context.Background(), []Task{
		{Symbol: "BTCUSDT", Timeframe: "1h"},
		{Symbol: "ETHUSDT", Timeframe: "1h"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.NotEmpty(t, report.Failures[0].Error)

	btcPath := OutputPath(dir, "BTCUSDT", "1h")
	assertAscendingCSV(t, btcPath)
}

// invariant 9: tasks recorded in the checkpoint are never re-downloaded
// when resume=true.
func TestRun_ResumeSkipsCheckpointedTasks(t *testing.T) {
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "checkpoint.json")
	fetcher := newFakeFetcher()
	fetcher.series["BTCUSDT_1h"] = series(3, 1_700_000_000_000)

	d := New(Config{
		Fetcher: fetcher, Root: dir, CheckpointPath: cpPath,
		Workers: 1, Resume: true, RequestsPerMin: 6000, Burst: 50,
	})
	_, err := d.Run(context.Background(), []Task{{Symbol: "BTCUSDT", Timeframe: "1h"}})
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls["BTCUSDT_1h"])

	// re-run with the same checkpoint: no new fetch should occur.
	d2 := New(Config{
		Fetcher: fetcher, Root: dir, CheckpointPath: cpPath,
		Workers: 1, Resume: true, RequestsPerMin: 6000, Burst: 50,
	})
	report, err := d2.Run(context.Background(), []Task{{Symbol: "BTCUSDT", Timeframe: "1h"}})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total, "resume=true should produce an empty task list for an already-complete download")
	assert.Equal(t, 1, fetcher.calls["BTCUSDT_1h"], "no re-download should have occurred")
}

// invariant 10: a deterministic non-blocking rate limiter drains its burst
// immediately, then gates subsequent acquisitions.
func TestLimiter_BurstThenGated(t *testing.T) {
	l := NewLimiter(60, 3) // 1 token/sec, burst 3

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	// the 4th call within the same short window should not be satisfied
	// without waiting past the burst allowance.
	err := l.Wait(ctx)
	assert.Error(t, err, "4th acquire should block past burst capacity and hit the context deadline")
}

func TestLimiter_Slowdown_HalvesRate(t *testing.T) {
	l := NewLimiter(600, 1) // 10 tokens/sec baseline
	l.Slowdown(200 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx)) // consumes the initial burst token

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	elapsed := time.Since(start)
	// at half of 10/sec = 5/sec, the wait should be close to 200ms, not 100ms.
	assert.Greater(t, elapsed, 150*time.Millisecond)
}

// Round-trip / idempotence: to_internal(to_ccxt(to_internal(x))) ==
// to_internal(x) for any recognized form.
func TestSymbolRoundTrip(t *testing.T) {
	cases := []string{"BTC/USDT", "BTC-USDT", "BTC-USDT-SWAP", "BTCUSDT", "ethusdt", " ETH/USDT "}
	for _, x := range cases {
		internal, ok := ToInternal(x)
		require.Truef(t, ok, "expected %q to parse", x)

		ccxt, ok := ToCCXT(internal)
		require.True(t, ok)

		roundTripped, ok := ToInternal(ccxt)
		require.True(t, ok)

		assert.Equal(t, internal, roundTripped, "to_internal(to_ccxt(to_internal(%q))) must equal to_internal(%q)", x, x)
	}
}

func TestParseSymbol_UnrecognizedQuote(t *testing.T) {
	_, ok := ParseSymbol("XYZABC")
	assert.False(t, ok)
}

func TestIsStablecoinBase(t *testing.T) {
	assert.True(t, IsStablecoinBase("USDCUSDT"))
	assert.False(t, IsStablecoinBase("BTCUSDT"))
}

func TestIsLeveragedToken(t *testing.T) {
	assert.True(t, IsLeveragedToken("BTCUPUSDT"))
	assert.True(t, IsLeveragedToken("ETHBEARUSDT"))
	assert.False(t, IsLeveragedToken("BTCUSDT"))
}

func TestPriority_1hAnd1dHighest(t *testing.T) {
	assert.Equal(t, 1, priority("1h"))
	assert.Equal(t, 1, priority("1d"))
	assert.Equal(t, 2, priority("4h"))
	assert.Less(t, priority("4h"), priority("15m"))
	assert.Equal(t, 10, priority("3m"))
}

func assertAscendingCSV(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "expected header row")
	var last int64 = -1
	rows := 0
	for scanner.Scan() {
		line := scanner.Text()
		col := strings.SplitN(line, ",", 2)[0]
		ts, err := strconv.ParseInt(col, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, ts, last, "first column must be monotone-ascending")
		last = ts
		rows++
	}
	assert.Greater(t, rows, 0)
}
