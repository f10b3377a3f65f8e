package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/Sternrassler/ecb-series-client/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fetchLogTimeout bounds writing a fetch record after a pass.
const fetchLogTimeout = 5 * time.Second

// refreshOutcome is the shared result of one refresh pass. Window is the
// window the pass fetched.
type refreshOutcome struct {
	Refreshed bool
	Skipped   bool
	Merge     series.MergeStats
	Window    series.Window
}

// RefreshOutcome is the per-series result of RefreshAll.
type RefreshOutcome struct {
	Key       series.Key        `json:"key"`
	Refreshed bool              `json:"refreshed"`
	Skipped   bool              `json:"skipped"`
	Merge     series.MergeStats `json:"merge"`
	Err       error             `json:"-"`
	Duration  time.Duration     `json:"duration_ns"`
}

// RefreshSummary aggregates the outcomes of one RefreshAll run.
type RefreshSummary struct {
	Total     int `json:"total"`
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Summarize counts outcomes by result.
func Summarize(outcomes []RefreshOutcome) RefreshSummary {
	s := RefreshSummary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			s.Failed++
		case o.Skipped:
			s.Skipped++
		case o.Refreshed:
			s.Refreshed++
		}
	}
	return s
}

// refresh joins or starts the refresh pass of def. The pass runs detached
// from ctx; when ctx ends first the caller gets ErrTimeout and the pass
// continues. Forced and unforced passes are separate flights, so a forced
// caller never receives the skip of an unforced pass.
func (c *Coordinator) refresh(ctx context.Context, def series.Definition, window series.Window, force bool) (*refreshOutcome, error) {
	fetchWindow := window.Union(series.LastDays(c.now(), c.cfg.SyncLookbackDays))

	ch := c.group.DoChan(flightKey(def.Key, force), func() (interface{}, error) {
		return c.runRefresh(def, fetchWindow, force)
	})

	select {
	case res := <-ch:
		if res.Shared {
			SharedRefreshes.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*refreshOutcome), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, def.Key, ctx.Err())
	}
}

func flightKey(key series.Key, force bool) string {
	if force {
		return string(key) + "|force"
	}
	return string(key)
}

// runRefresh fetches def and merges the result. It is the body of the
// single-flight call for def.Key. Every fetch, successful or not, is
// recorded in the store's fetch log.
func (c *Coordinator) runRefresh(def series.Definition, window series.Window, force bool) (*refreshOutcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	logger := c.logger.With().
		Str("series_key", def.Key.String()).
		Str("window", window.String()).
		Logger()

	// A caller may have read a stale state just before another pass finished.
	if !force {
		desc, err := c.store.Get(ctx, def.Key)
		if err == nil && c.stateOf(desc) == StateFresh {
			Refreshes.WithLabelValues("skipped").Inc()
			logger.Debug().Msg("Series already fresh, skipping refresh")
			return &refreshOutcome{Skipped: true}, nil
		}
	}

	c.setRefreshing(def.Key, true)
	defer c.setRefreshing(def.Key, false)

	InFlightRefreshes.Inc()
	defer InFlightRefreshes.Dec()

	start := time.Now()
	defer func() {
		RefreshDuration.Observe(time.Since(start).Seconds())
	}()

	stats, err := c.fetchAndMerge(ctx, def, window)
	c.logFetch(logger, def.Key, stats, err, time.Since(start))
	if err != nil {
		c.recordFailure(def.Key)
		Refreshes.WithLabelValues("failure").Inc()
		logger.Warn().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Series refresh failed")
		return nil, err
	}

	Refreshes.WithLabelValues("success").Inc()
	MergedObservations.WithLabelValues(series.MergeInsert.String()).Add(float64(stats.Inserted))
	MergedObservations.WithLabelValues(series.MergeUpdate.String()).Add(float64(stats.Updated))

	logger.Info().
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Dur("duration", time.Since(start)).
		Msg("Series refreshed")

	return &refreshOutcome{Refreshed: true, Merge: stats, Window: window}, nil
}

// logFetch writes the fetch record of one pass. A failed write is logged
// and does not fail the pass.
func (c *Coordinator) logFetch(logger zerolog.Logger, key series.Key, stats series.MergeStats, fetchErr error, took time.Duration) {
	rec := store.FetchRecord{
		SeriesKey:    key,
		Status:       store.FetchSuccess,
		Observations: stats.Inserted + stats.Updated + stats.Skipped,
		Inserted:     stats.Inserted,
		Updated:      stats.Updated,
		FetchedAt:    c.now(),
		Duration:     took,
	}
	if fetchErr != nil {
		rec.Status = store.FetchError
		rec.Error = fetchErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchLogTimeout)
	defer cancel()
	if err := c.store.LogFetch(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to record fetch")
	}
}

// fetchAndMerge fetches def, merges the batch and updates the descriptor.
// The descriptor is written after the merge, so it only exists once data does.
func (c *Coordinator) fetchAndMerge(ctx context.Context, def series.Definition, window series.Window) (series.MergeStats, error) {
	result, err := c.fetcher.FetchSeries(ctx, def, window)
	if err != nil {
		return series.MergeStats{}, err
	}

	stats, err := c.store.MergeObservations(ctx, def.Key, result.Observations)
	if err != nil {
		return series.MergeStats{}, fmt.Errorf("merge %s: %w", def.Key, err)
	}

	now := c.now()
	desc, err := c.store.Get(ctx, def.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		desc = series.NewDescriptor(def, now)
	case err != nil:
		return series.MergeStats{}, fmt.Errorf("read descriptor %s: %w", def.Key, err)
	}

	if result.Label != "" {
		desc.Label = result.Label
	}
	if result.Unit != "" {
		desc.Unit = result.Unit
	}
	if result.Frequency != "" {
		desc.Frequency = result.Frequency
	}
	desc.LastSync = now

	if err := c.store.Put(ctx, desc); err != nil {
		return series.MergeStats{}, fmt.Errorf("write descriptor %s: %w", def.Key, err)
	}

	c.mu.Lock()
	delete(c.failures, def.Key)
	c.mu.Unlock()

	return stats, nil
}

func (c *Coordinator) setRefreshing(key series.Key, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.refreshing[key] = true
	} else {
		delete(c.refreshing, key)
	}
}

func (c *Coordinator) recordFailure(key series.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[key] = c.now()
}

// RefreshAll refreshes keys (every catalog series when empty) with at most
// MaxConcurrency passes in parallel. Without force, fresh series are skipped.
// Outcomes are returned in the order of keys.
func (c *Coordinator) RefreshAll(ctx context.Context, keys []series.Key, force bool) []RefreshOutcome {
	if len(keys) == 0 {
		keys = c.catalog.Keys()
	}
	start := time.Now()
	logger := c.logger.With().Str("refresh_id", uuid.NewString()).Logger()

	logger.Info().
		Int("series", len(keys)).
		Bool("force", force).
		Msg("Starting refresh of all series")

	outcomes := make([]RefreshOutcome, len(keys))
	queue := make(chan int, len(keys))
	for i := range keys {
		queue <- i
	}
	close(queue)

	workers := c.cfg.MaxConcurrency
	if workers > len(keys) {
		workers = len(keys)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go c.refreshWorker(ctx, logger, keys, force, queue, outcomes, &wg, w)
	}
	wg.Wait()

	summary := Summarize(outcomes)
	logger.Info().
		Int("refreshed", summary.Refreshed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(start)).
		Msg("Refresh of all series complete")

	return outcomes
}

// refreshWorker processes key indices from the queue. Each index is written
// by exactly one worker.
func (c *Coordinator) refreshWorker(ctx context.Context, logger zerolog.Logger, keys []series.Key, force bool, queue <-chan int, outcomes []RefreshOutcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		key := keys[i]
		outcomes[i] = RefreshOutcome{Key: key}

		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			continue
		}

		start := time.Now()
		outcome, err := c.refreshKey(ctx, key, force)
		outcomes[i].Duration = time.Since(start)
		if err != nil {
			outcomes[i].Err = err
			logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("series_key", key.String()).
				Msg("Series refresh failed")
			continue
		}

		outcomes[i].Refreshed = outcome.Refreshed
		outcomes[i].Skipped = outcome.Skipped
		outcomes[i].Merge = outcome.Merge
		processed++
	}

	if processed > 0 {
		logger.Debug().
			Int("worker_id", workerID).
			Int("series_processed", processed).
			Msg("Worker completed")
	}
}

// refreshKey refreshes one series over the lookback window.
func (c *Coordinator) refreshKey(ctx context.Context, key series.Key, force bool) (*refreshOutcome, error) {
	def, err := c.catalog.Resolve(key)
	if err != nil {
		return nil, err
	}
	return c.refresh(ctx, def, series.LastDays(c.now(), c.cfg.SyncLookbackDays), force)
}
