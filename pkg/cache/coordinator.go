package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/client"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/Sternrassler/ecb-series-client/pkg/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoData is returned when nothing is stored for a series and the
	// refresh that should have populated it failed.
	ErrNoData = errors.New("no data available for series")

	// ErrTimeout is returned when the caller's context ends while waiting
	// for a refresh. The refresh itself keeps running.
	ErrTimeout = errors.New("timed out waiting for series refresh")

	// ErrWindowNotRefreshed is the warning of a call that joined a refresh
	// whose fetch window did not cover the requested window.
	ErrWindowNotRefreshed = errors.New("requested window not covered by refresh")
)

// Fetcher fetches a series from the upstream. *client.Client implements it.
type Fetcher interface {
	FetchSeries(ctx context.Context, def series.Definition, window series.Window) (*client.FetchResult, error)
}

// Config holds coordinator configuration.
type Config struct {
	// MaxAge after which a synced series is stale.
	MaxAge time.Duration

	// SyncLookbackDays is always included in a refresh window so recent
	// revisions are picked up even for narrow requests.
	SyncLookbackDays int

	// RefreshTimeout bounds a refresh pass. It is independent of the
	// caller's context.
	RefreshTimeout time.Duration

	// MaxConcurrency bounds parallel refreshes in RefreshAll.
	MaxConcurrency int

	// Logger for coordinator events (defaults to the global logger).
	Logger *zerolog.Logger
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:           time.Hour,
		SyncLookbackDays: 365,
		RefreshTimeout:   2 * time.Minute,
		MaxConcurrency:   4,
	}
}

// Result is the answer to a GetSeries call.
type Result struct {
	Key          series.Key           `json:"key"`
	Descriptor   *series.Descriptor   `json:"descriptor"`
	Observations []series.Observation `json:"observations"`

	// IsStale is set when the data is older than MaxAge or the refresh failed.
	IsStale bool `json:"is_stale"`

	// Warning carries the refresh failure when stale data was served
	// instead, or ErrWindowNotRefreshed when the shared refresh fetched a
	// different window.
	Warning error `json:"-"`

	// Refreshed is set when this call fetched and merged upstream data.
	Refreshed bool              `json:"refreshed"`
	Merge     series.MergeStats `json:"merge"`
}

// Coordinator serves series from the store and refreshes them from the
// upstream when they are missing or stale. Concurrent refreshes of the same
// series are coalesced into one upstream fetch.
type Coordinator struct {
	store   store.SeriesStore
	fetcher Fetcher
	catalog *series.Catalog
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	refreshing map[series.Key]bool
	failures   map[series.Key]time.Time
}

// New creates a coordinator.
func New(st store.SeriesStore, fetcher Fetcher, catalog *series.Catalog, cfg Config) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("series store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if catalog == nil {
		catalog = series.DefaultCatalog()
	}

	defaults := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.SyncLookbackDays <= 0 {
		cfg.SyncLookbackDays = defaults.SyncLookbackDays
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaults.RefreshTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}

	logger := log.With().Str("component", "cache-coordinator").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Coordinator{
		store:      st,
		fetcher:    fetcher,
		catalog:    catalog,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		refreshing: make(map[series.Key]bool),
		failures:   make(map[series.Key]time.Time),
	}, nil
}

// GetSeries returns the observations of key within window, refreshing the
// series first when it is unknown, stale or force is set. A failed refresh
// serves the stored data with Warning set; with nothing stored it returns an
// error wrapping ErrNoData and the cause.
func (c *Coordinator) GetSeries(ctx context.Context, key series.Key, window series.Window, force bool) (*Result, error) {
	def, err := c.catalog.Resolve(key)
	if err != nil {
		GetRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := window.Validate(); err != nil {
		GetRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	logger := c.logger.With().
		Str("series_key", def.Key.String()).
		Str("window", window.String()).
		Logger()

	state, err := c.State(ctx, def.Key)
	if err != nil {
		GetRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	result := &Result{Key: def.Key}

	// refreshErr is the failure of this call's refresh, if any.
	var refreshErr error
	if force || state.NeedsRefresh() {
		logger.Debug().
			Str("state", state.String()).
			Bool("force", force).
			Msg("Refreshing series")

		outcome, err := c.refresh(ctx, def, window, force)
		switch {
		case errors.Is(err, ErrTimeout):
			GetRequests.WithLabelValues("timeout").Inc()
			logger.Warn().Err(err).Msg("Caller gave up waiting for refresh")
			return nil, err
		case err != nil:
			refreshErr = err
			result.Warning = err
		default:
			result.Refreshed = outcome.Refreshed
			result.Merge = outcome.Merge
			if outcome.Refreshed && !outcome.Window.Covers(window) {
				result.Warning = fmt.Errorf("%w: fetched %s, requested %s", ErrWindowNotRefreshed, outcome.Window, window)
				logger.Warn().
					Str("fetched_window", outcome.Window.String()).
					Msg("Joined refresh did not cover the requested window")
			}
		}
	}

	desc, err := c.store.Get(ctx, def.Key)
	if errors.Is(err, store.ErrNotFound) {
		GetRequests.WithLabelValues("no_data").Inc()
		if refreshErr != nil {
			logger.Error().Err(refreshErr).Msg("No stored data and refresh failed")
			return nil, fmt.Errorf("%w: %s: %w", ErrNoData, def.Key, refreshErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoData, def.Key)
	}
	if err != nil {
		GetRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read descriptor %s: %w", def.Key, err)
	}

	observations, err := c.store.ListObservations(ctx, def.Key, window)
	if err != nil {
		GetRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read observations %s: %w", def.Key, err)
	}

	result.Descriptor = desc
	result.Observations = observations
	result.IsStale = refreshErr != nil || desc.IsStale(c.cfg.MaxAge, c.now())

	switch {
	case refreshErr != nil:
		GetRequests.WithLabelValues("stale").Inc()
		logger.Warn().
			Err(refreshErr).
			Time("last_sync", desc.LastSync).
			Msg("Refresh failed, serving stale data")
	case result.Refreshed:
		GetRequests.WithLabelValues("refreshed").Inc()
	default:
		GetRequests.WithLabelValues("fresh").Inc()
	}

	return result, nil
}

// State returns the cache state of key.
func (c *Coordinator) State(ctx context.Context, key series.Key) (State, error) {
	c.mu.Lock()
	refreshing := c.refreshing[key]
	c.mu.Unlock()
	if refreshing {
		return StateRefreshing, nil
	}

	desc, err := c.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, fmt.Errorf("read descriptor %s: %w", key, err)
	}
	return c.stateOf(desc), nil
}

// stateOf classifies a stored descriptor.
func (c *Coordinator) stateOf(desc *series.Descriptor) State {
	if desc.IsStale(c.cfg.MaxAge, c.now()) {
		return StateStale
	}

	c.mu.Lock()
	failedAt, failed := c.failures[desc.Key]
	c.mu.Unlock()
	if failed && failedAt.After(desc.LastSync) {
		return StateStale
	}
	return StateFresh
}

// LastRefresh returns the time of the newest successful fetch recorded in
// the store's fetch log, so it survives restarts of a durable store. It is
// zero when nothing was fetched yet.
func (c *Coordinator) LastRefresh(ctx context.Context) (time.Time, error) {
	t, err := c.store.LastSuccess(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read fetch log: %w", err)
	}
	return t, nil
}

// Statistics summarizes the stored series and the fetch log.
type Statistics struct {
	SeriesCount       int                 `json:"series_count"`
	TotalObservations int                 `json:"total_observations"`
	LastRefresh       time.Time           `json:"last_refresh"`
	Series            []store.SeriesStats `json:"series"`
	RecentFetches     []store.FetchRecord `json:"recent_fetches"`
}

// Statistics counts the stored series and observations and returns the
// newest recent fetch records.
func (c *Coordinator) Statistics(ctx context.Context, recent int) (*Statistics, error) {
	descriptors, err := c.store.ListDescriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}

	stats := &Statistics{
		SeriesCount: len(descriptors),
		Series:      make([]store.SeriesStats, 0, len(descriptors)),
	}
	for _, d := range descriptors {
		s, err := c.store.Stats(ctx, d.Key)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", d.Key, err)
		}
		stats.TotalObservations += s.Observations
		stats.Series = append(stats.Series, s)
	}

	if stats.RecentFetches, err = c.store.RecentFetches(ctx, recent); err != nil {
		return nil, fmt.Errorf("read fetch log: %w", err)
	}
	if stats.LastRefresh, err = c.LastRefresh(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

// SeriesStatus is the state of one series for status reporting.
type SeriesStatus struct {
	Key        series.Key         `json:"key"`
	State      State              `json:"state"`
	Descriptor *series.Descriptor `json:"descriptor,omitempty"`
	Age        time.Duration      `json:"age_ns,omitempty"`
}

// Status lists every stored series plus catalog series not stored yet.
func (c *Coordinator) Status(ctx context.Context) ([]SeriesStatus, error) {
	descriptors, err := c.store.ListDescriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}

	now := c.now()
	seen := make(map[series.Key]bool, len(descriptors))
	out := make([]SeriesStatus, 0, len(descriptors))
	for _, d := range descriptors {
		seen[d.Key] = true
		state, err := c.State(ctx, d.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, SeriesStatus{Key: d.Key, State: state, Descriptor: d, Age: d.Age(now)})
	}

	for _, k := range c.catalog.Keys() {
		if !seen[k] {
			out = append(out, SeriesStatus{Key: k, State: StateUnknown})
		}
	}
	return out, nil
}
