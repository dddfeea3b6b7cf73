// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chain reads
	ChainCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_chain_calls_total",
		Help: "Chain view calls by operation and result",
	}, []string{"op", "result"})

	ChainRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_chain_retries_total",
		Help: "Chain call retries by operation and error kind",
	}, []string{"op", "kind"})

	ChainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsync_chain_call_duration_seconds",
		Help:    "Latency of a single chain call attempt",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"op"})

	ThrottleWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_throttle_waits_total",
		Help: "Times a chain call waited on the shared rate limiter",
	})

	// Sync runs
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_sync_runs_total",
		Help: "Sync runs by strategy, version and outcome",
	}, []string{"strategy", "version", "outcome"})

	SyncIDs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_sync_ids_total",
		Help: "Market ids visited by strategy and result",
	}, []string{"strategy", "result"})

	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsync_sync_run_duration_seconds",
		Help:    "Wall time of a sync run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"strategy"})

	Cursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketsync_cursor",
		Help: "Highest contiguously synced market id per version",
	}, []string{"version"})

	// Reconciliation
	ClaimsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_claims_reconciled_total",
		Help: "Claim flags corrected from false to true",
	})

	ClaimAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_claim_anomalies_total",
		Help: "Chain reported unclaimed for a position cached as claimed",
	})

	// Stats
	StatsRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_stats_recomputes_total",
		Help: "Aggregate snapshot recomputations",
	})

	// Admin API
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_http_requests_total",
		Help: "Admin API requests by route pattern and status code",
	}, []string{"route", "code"})
)
