package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GetRequests tracks GetSeries calls by outcome
	GetRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_cache_get_requests_total",
			Help: "Total number of series reads by outcome",
		},
		[]string{"outcome"}, // "fresh", "refreshed", "stale", "no_data", "timeout", "error"
	)

	// Refreshes tracks refresh passes by result
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_cache_refreshes_total",
			Help: "Total number of series refresh passes by result",
		},
		[]string{"result"}, // "success", "skipped", "failure"
	)

	// RefreshDuration tracks how long refresh passes take
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ecb_cache_refresh_duration_seconds",
			Help:    "Duration of series refresh passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SharedRefreshes tracks callers served by a refresh shared with others
	SharedRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecb_cache_shared_refreshes_total",
			Help: "Total number of callers whose refresh was coalesced with a concurrent one",
		},
	)

	// MergedObservations tracks observations written by refreshes
	MergedObservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_cache_merged_observations_total",
			Help: "Total number of observations inserted or updated by refreshes",
		},
		[]string{"action"}, // "insert", "update"
	)

	// InFlightRefreshes tracks refresh passes currently running
	InFlightRefreshes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecb_cache_inflight_refreshes",
			Help: "Number of series refresh passes currently running",
		},
	)
)
