package store

import (
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations tracks store calls by backend and operation
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_store_operations_total",
			Help: "Total number of series store operations",
		},
		[]string{"backend", "operation"}, // "get", "put", "list", "merge", "archive"
	)

	// StoreErrors tracks store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_store_errors_total",
			Help: "Total number of series store operation errors",
		},
		[]string{"backend", "operation"},
	)

	// MergedObservations tracks merge outcomes per observation
	MergedObservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_store_merged_observations_total",
			Help: "Total number of merged observations by action",
		},
		[]string{"backend", "action"}, // "insert", "update", "skip"
	)

	// ArchivedBytes tracks compressed bytes written to the payload archive
	ArchivedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecb_store_archived_bytes_total",
			Help: "Total compressed bytes written to the raw payload archive",
		},
		[]string{"backend"},
	)
)

func recordMerge(backend string, stats series.MergeStats) {
	MergedObservations.WithLabelValues(backend, series.MergeInsert.String()).Add(float64(stats.Inserted))
	MergedObservations.WithLabelValues(backend, series.MergeUpdate.String()).Add(float64(stats.Updated))
	MergedObservations.WithLabelValues(backend, series.MergeSkip.String()).Add(float64(stats.Skipped))
}

func recordOp(backend, op string, err error) {
	StoreOperations.WithLabelValues(backend, op).Inc()
	if err != nil {
		StoreErrors.WithLabelValues(backend, op).Inc()
	}
}
