// Package scheduler refreshes the tracked series periodically.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/cache"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Refresher refreshes a set of series. *cache.Coordinator implements it.
type Refresher interface {
	RefreshAll(ctx context.Context, keys []series.Key, force bool) []cache.RefreshOutcome
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between refresh runs.
	Interval time.Duration

	// Keys to refresh; empty refreshes the whole catalog.
	Keys []series.Key

	// RunTimeout bounds one refresh run.
	RunTimeout time.Duration

	// Logger for scheduler events (defaults to the global logger).
	Logger *zerolog.Logger
}

// Scheduler runs RefreshAll on a fixed interval. Runs never overlap.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher Refresher
	cfg       Config
	logger    zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	last    cache.RefreshSummary
}

// New creates a scheduler.
func New(refresher Refresher, cfg Config) (*Scheduler, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}

	logger := log.With().Str("component", "scheduler").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Start schedules the refresh job and starts the underlying scheduler. The
// first run starts immediately.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(s.cfg.Interval).Do(s.RunNow); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("series", len(s.cfg.Keys)).
		Msg("Scheduler started")

	s.scheduler.StartAsync()
	return nil
}

// RunNow runs one refresh of the configured series and records its summary.
func (s *Scheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	outcomes := s.refresher.RefreshAll(ctx, s.cfg.Keys, false)
	summary := cache.Summarize(outcomes)

	s.mu.Lock()
	s.lastRun = start
	s.last = summary
	s.mu.Unlock()

	event := s.logger.Info()
	if summary.Failed > 0 {
		event = s.logger.Warn()
	}
	event.
		Int("total", summary.Total).
		Int("refreshed", summary.Refreshed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(start)).
		Msg("Scheduled refresh complete")
}

// LastRun returns when the last run started and its summary.
func (s *Scheduler) LastRun() (time.Time, cache.RefreshSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
