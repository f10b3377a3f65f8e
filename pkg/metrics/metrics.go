// Package metrics exposes the Prometheus metrics of the ECB series client.
// All metrics are defined in their respective packages (ratelimit, client,
// store, cache) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ecb_ratelimit_permits_total{group} (Counter): Permits granted per endpoint group
//   - ecb_ratelimit_waits_total{group} (Counter): Acquires that had to wait
//   - ecb_ratelimit_wait_seconds{group} (Histogram): Time spent waiting for a permit
//   - ecb_ratelimit_cancelled_total{group} (Counter): Waits abandoned by the caller
//   - ecb_ratelimit_remaining{group} (Gauge): Permits left in the current window
//
// Request Metrics (pkg/client):
//   - ecb_upstream_requests_total{dataflow, status} (Counter): Requests by dataflow and HTTP status
//   - ecb_upstream_request_duration_seconds{dataflow} (Histogram): Request duration
//   - ecb_upstream_errors_total{class} (Counter): Errors by class
//   - ecb_upstream_circuit_state{dataflow} (Gauge): Breaker state (0 closed, 1 half-open, 2 open)
//   - ecb_upstream_payloads_archived_total (Counter): Malformed payloads archived
//
// Retry Metrics (pkg/client):
//   - ecb_retries_total{error_class} (Counter): Retry attempts by error class
//   - ecb_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ecb_retry_exhausted_total{error_class} (Counter): Operations that exhausted max retries
//
// Store Metrics (pkg/store):
//   - ecb_store_operations_total{backend, operation} (Counter): Store calls
//   - ecb_store_errors_total{backend, operation} (Counter): Store errors
//   - ecb_store_merged_observations_total{backend, action} (Counter): Merge outcomes
//   - ecb_store_archived_bytes_total{backend} (Counter): Compressed archive bytes
//
// Cache Metrics (pkg/cache):
//   - ecb_cache_get_requests_total{outcome} (Counter): Reads by outcome
//   - ecb_cache_refreshes_total{result} (Counter): Refresh passes by result
//   - ecb_cache_refresh_duration_seconds (Histogram): Refresh pass duration
//   - ecb_cache_shared_refreshes_total (Counter): Callers served by a shared pass
//   - ecb_cache_merged_observations_total{action} (Counter): Rows inserted or updated
//   - ecb_cache_inflight_refreshes (Gauge): Passes currently running
//
// Example Prometheus Queries:
//
//   # Stale-serve rate
//   rate(ecb_cache_get_requests_total{outcome="stale"}[5m]) /
//   sum(rate(ecb_cache_get_requests_total[5m]))
//
//   # Refresh failure rate
//   rate(ecb_cache_refreshes_total{result="failure"}[15m])
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(ecb_upstream_request_duration_seconds_bucket[5m]))
//
//   # Open circuits
//   ecb_upstream_circuit_state == 2
