// Package metrics exposes the Prometheus gauges/counters served on
// /metrics (A3). Grounded in the teacher's metrics.go pattern (package-level
// vecs registered in init(), small exported setter/incrementer helpers),
// generalized from the teacher's spot-scalping label set to the
// multi-symbol futures engine's.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bige_orders_total", Help: "Orders placed, by symbol and side."},
		[]string{"symbol", "side"},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bige_decisions_total", Help: "Strategy decisions, by symbol and action."},
		[]string{"symbol", "action"},
	)

	EquityUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bige_equity_usd", Help: "Current available equity snapshot."},
	)

	ExitReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bige_exit_reasons_total", Help: "Exits split by symbol and reason."},
		[]string{"symbol", "reason"},
	)

	ConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bige_consecutive_errors", Help: "Current consecutive per-tick error count."},
	)

	RateLimiterWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "bige_rate_limiter_wait_seconds", Help: "Time spent blocked acquiring a downloader rate-limit token."},
	)

	DownloaderTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bige_downloader_tasks_total", Help: "Downloader tasks completed, by outcome."},
		[]string{"outcome"}, // success|failure|skipped
	)
)

func init() {
	prometheus.MustRegister(OrdersTotal, DecisionsTotal, EquityUSD, ExitReasonsTotal, ConsecutiveErrors)
	prometheus.MustRegister(RateLimiterWaitSeconds, DownloaderTasksTotal)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }
