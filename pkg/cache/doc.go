// Package cache coordinates reads of ECB series with their refresh.
//
// A Coordinator answers every read from the series store. Before reading it
// checks the series state and refreshes the series from the upstream when it
// is unknown, stale or a refresh is forced:
//
//   - Unknown: nothing stored yet
//   - Fresh: last successful sync within MaxAge
//   - Stale: older than MaxAge, or the last refresh failed
//   - Refreshing: a refresh pass is in flight
//
// # Basic Usage
//
//	coordinator, err := cache.New(seriesStore, upstreamClient, series.DefaultCatalog(), cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	result, err := coordinator.GetSeries(ctx, "EUR_USD_DAILY", series.LastDays(time.Now(), 30), false)
//	if errors.Is(err, cache.ErrNoData) {
//		// Nothing stored and the upstream could not be reached
//	}
//	if result.Warning != nil {
//		// Refresh failed; result holds the last stored data
//	}
//
// # Single Flight
//
// Concurrent reads of the same series share one refresh pass and therefore one
// upstream fetch. The pass runs detached from the callers: a caller whose
// context ends receives ErrTimeout while the pass completes and populates the
// store for the next read.
//
// # Merge
//
// Fetched observations are merged into the store: new periods are inserted,
// stored periods are overwritten only by values upstream marks revised. Each
// refresh fetches the requested window plus the configured lookback so recent
// revisions are picked up.
//
// # Metrics
//
// The coordinator exports Prometheus metrics:
//
//   - ecb_cache_get_requests_total{outcome} - Reads by outcome
//   - ecb_cache_refreshes_total{result} - Refresh passes by result
//   - ecb_cache_refresh_duration_seconds - Refresh pass duration
//   - ecb_cache_shared_refreshes_total - Callers served by a shared pass
//   - ecb_cache_merged_observations_total{action} - Inserted and updated rows
//   - ecb_cache_inflight_refreshes - Passes currently running
package cache
