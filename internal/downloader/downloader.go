// Package downloader implements the bulk OHLCV downloader (C9): a
// checkpointed, rate-limited, priority-ordered fetcher of (symbol,
// timeframe) pairs, writing one CSV file per task.
//
// CSV output format and the "write ascending RFC3339/CSV rows" convention
// are grounded in the teacher's tools/backfill_bridge.go. The rate limiter
// is golang.org/x/time/rate, the same token-bucket semantics spec.md §4.9
// describes, already present transitively across the reference pack
// (blackholedex, sniperterminal) — hand-rolling an equivalent algorithm the
// ecosystem already provides would violate the "never fall back to stdlib
// where the ecosystem shows a way" rule (see SPEC_FULL.md §5).
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bige7x/liveengine/internal/candle"
	"github.com/bige7x/liveengine/internal/metrics"
)

// Task is one (symbol, timeframe) fetch unit.
type Task struct {
	Symbol    string
	Timeframe string
	Start     *time.Time
	End       *time.Time
	Priority  int
}

// Key is the checkpoint key for a Task: "{SYMBOL}_{TIMEFRAME}".
func (t Task) Key() string { return t.Symbol + "_" + t.Timeframe }

// Result is the outcome of one Task.
type Result struct {
	Task     Task
	Success  bool
	Rows     int
	Path     string
	Error    string
	Duration time.Duration
}

// Checkpoint is the persisted set of completed (symbol, timeframe) keys.
type Checkpoint struct {
	Completed  []string  `json:"completed"`
	LastUpdate time.Time `json:"last_update"`
}

func (c *Checkpoint) has(key string) bool {
	for _, k := range c.Completed {
		if k == key {
			return true
		}
	}
	return false
}

func (c *Checkpoint) add(key string) {
	if !c.has(key) {
		c.Completed = append(c.Completed, key)
	}
}

func (c *Checkpoint) remove(key string) {
	out := c.Completed[:0]
	for _, k := range c.Completed {
		if k != key {
			out = append(out, k)
		}
	}
	c.Completed = out
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Checkpoint{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(bs, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (c *Checkpoint) Save(path string) error {
	c.LastUpdate = time.Now().UTC()
	bs, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bs, 0o644)
}

// Report is the downloader's JSON summary document.
type Report struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Ratio     float64  `json:"success_ratio"`
	Failures  []Result `json:"failures,omitempty"`
}

// Fetcher is the minimal contract the downloader needs from a broker or
// public-market-data client: klines for a (symbol, timeframe) pair.
type Fetcher interface {
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error)
}

// priority mirrors spec.md §4.9: 1h/1d highest, then 4h, then smaller
// timeframes, unknown = 10.
func priority(timeframe string) int {
	switch timeframe {
	case "1h", "1d":
		return 1
	case "4h":
		return 2
	case "15m", "5m", "1m":
		return 5
	default:
		return 10
	}
}

// Limiter wraps rate.Limiter with the slowdown hook spec.md §4.9/§5
// describes: a caller-triggered halving of the effective fill rate until
// expiry, used when the venue returns a rate-limit response.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	normal  rate.Limit
}

func NewLimiter(requestsPerMinute float64, burst int) *Limiter {
	r := rate.Limit(requestsPerMinute / 60)
	return &Limiter{limiter: rate.NewLimiter(r, burst), normal: r}
}

func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := l.limiter.Wait(ctx)
	metrics.RateLimiterWaitSeconds.Observe(time.Since(start).Seconds())
	return err
}

// Slowdown halves the effective fill rate until expiry, restoring it
// afterward. Intended to be called when the caller observes a rate-limit
// response from the venue.
func (l *Limiter) Slowdown(expiry time.Duration) {
	l.mu.Lock()
	half := l.normal / 2
	l.limiter.SetLimit(half)
	l.mu.Unlock()

	time.AfterFunc(expiry, func() {
		l.mu.Lock()
		l.limiter.SetLimit(l.normal)
		l.mu.Unlock()
	})
}

// Config carries the downloader's run-time parameters.
type Config struct {
	Fetcher        Fetcher
	Root           string // output root; files land at {root}/{timeframe}/{symbol}_{timeframe}.csv
	CheckpointPath string
	Workers        int
	MaxRetries     int
	Resume         bool
	RequestsPerMin float64
	Burst          int
	KlinesLimit    int
}

// Downloader coordinates checkpointed, rate-limited, priority-ordered
// fetches across a bounded worker pool.
type Downloader struct {
	cfg     Config
	limiter *Limiter
}

func New(cfg Config) *Downloader {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.KlinesLimit <= 0 {
		cfg.KlinesLimit = 1000
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 1200
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Downloader{cfg: cfg, limiter: NewLimiter(cfg.RequestsPerMin, cfg.Burst)}
}

// Run schedules tasks, skipping already-checkpointed ones when
// cfg.Resume is true, then submits the remainder to a bounded worker pool
// ordered by ascending priority. After the first pass, failed tasks are
// retried up to cfg.MaxRetries times, each retry first deleting the key
// from the checkpoint.
func (d *Downloader) Run(ctx context.Context, tasks []Task) (Report, error) {
	cp, err := LoadCheckpoint(d.cfg.CheckpointPath)
	if err != nil {
		return Report{}, fmt.Errorf("downloader: load checkpoint: %w", err)
	}

	pending := d.schedule(tasks, cp)
	results := d.runPass(ctx, pending, cp)

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		var retry []Task
		for _, r := range results {
			if !r.Success {
				cp.remove(r.Task.Key())
				retry = append(retry, r.Task)
			}
		}
		if len(retry) == 0 {
			break
		}
		retryResults := d.runPass(ctx, d.orderByPriority(retry), cp)
		results = mergeResults(results, retryResults)
	}

	return buildReport(results), nil
}

func (d *Downloader) schedule(tasks []Task, cp *Checkpoint) []Task {
	var pending []Task
	for _, t := range tasks {
		if t.Priority == 0 {
			t.Priority = priority(t.Timeframe)
		}
		if d.cfg.Resume && cp.has(t.Key()) {
			metrics.DownloaderTasksTotal.WithLabelValues("skipped").Inc()
			continue
		}
		pending = append(pending, t)
	}
	return d.orderByPriority(pending)
}

func (d *Downloader) orderByPriority(tasks []Task) []Task {
	out := append([]Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (d *Downloader) runPass(ctx context.Context, tasks []Task, cp *Checkpoint) []Result {
	type indexed struct {
		idx int
		t   Task
	}
	work := make(chan indexed)
	results := make([]Result, len(tasks))

	var wg sync.WaitGroup
	var cpMu sync.Mutex

	for w := 0; w < d.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				res := d.runOne(ctx, item.t)
				results[item.idx] = res

				cpMu.Lock()
				if res.Success {
					cp.add(item.t.Key())
					metrics.DownloaderTasksTotal.WithLabelValues("success").Inc()
				} else {
					metrics.DownloaderTasksTotal.WithLabelValues("failure").Inc()
				}
				_ = cp.Save(d.cfg.CheckpointPath)
				cpMu.Unlock()
			}
		}()
	}

	go func() {
		for i, t := range tasks {
			select {
			case <-ctx.Done():
			case work <- indexed{idx: i, t: t}:
			}
		}
		close(work)
	}()

	wg.Wait()
	return results
}

func (d *Downloader) runOne(ctx context.Context, t Task) Result {
	start := time.Now()
	if err := d.limiter.Wait(ctx); err != nil {
		return Result{Task: t, Success: false, Error: err.Error(), Duration: time.Since(start)}
	}

	series, err := d.cfg.Fetcher.GetKlines(ctx, t.Symbol, t.Timeframe, d.cfg.KlinesLimit)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "rate") {
			d.limiter.Slowdown(time.Minute)
		}
		return Result{Task: t, Success: false, Error: err.Error(), Duration: time.Since(start)}
	}
	series = dedupAscending(series)
	series = d.dropInvalid(t, series)

	path := OutputPath(d.cfg.Root, t.Symbol, t.Timeframe)
	if err := writeCSV(path, series); err != nil {
		return Result{Task: t, Success: false, Error: err.Error(), Duration: time.Since(start)}
	}

	return Result{Task: t, Success: true, Rows: len(series), Path: path, Duration: time.Since(start)}
}

// OutputPath returns the deterministic per-task file path spec.md §4.9
// names: {root}/{timeframe}/{symbol}_{timeframe}.csv
func OutputPath(root, symbol, timeframe string) string {
	return filepath.Join(root, timeframe, fmt.Sprintf("%s_%s.csv", symbol, timeframe))
}

// dropInvalid filters out any candle failing its OHLC invariants before it
// reaches a CSV file or the indicator kernel downstream. A venue gap or bad
// tick should cost one row, not corrupt the whole backfill.
func (d *Downloader) dropInvalid(t Task, s candle.Series) candle.Series {
	out := s[:0]
	dropped := 0
	for _, c := range s {
		if err := c.Validate(); err != nil {
			dropped++
			continue
		}
		out = append(out, c)
	}
	if dropped > 0 {
		log.Printf("[WARN] downloader: %s: dropped %d invalid candle(s)", t.Key(), dropped)
	}
	return out
}

func dedupAscending(s candle.Series) candle.Series {
	sort.SliceStable(s, func(i, j int) bool { return s[i].OpenTime.Before(s[j].OpenTime) })
	out := s[:0]
	var lastTs int64 = -1
	for _, c := range s {
		ts := c.OpenTime.UnixMilli()
		if ts == lastTs {
			continue
		}
		lastTs = ts
		out = append(out, c)
	}
	return out
}

func mergeResults(base, retry []Result) []Result {
	byKey := make(map[string]Result, len(base))
	for _, r := range base {
		byKey[r.Task.Key()] = r
	}
	for _, r := range retry {
		byKey[r.Task.Key()] = r
	}
	out := make([]Result, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	return out
}

func buildReport(results []Result) Report {
	rep := Report{Total: len(results)}
	for _, r := range results {
		if r.Success {
			rep.Succeeded++
		} else {
			rep.Failed++
			rep.Failures = append(rep.Failures, r)
		}
	}
	if rep.Total > 0 {
		rep.Ratio = float64(rep.Succeeded) / float64(rep.Total)
	}
	return rep
}

func (r Report) Save(path string) error {
	bs, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bs, 0o644)
}
