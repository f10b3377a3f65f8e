package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for the request budget.
var (
	permitsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_ratelimit_permits_total",
		Help: "Total permits granted by endpoint group",
	}, []string{"group"})

	permitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_ratelimit_waits_total",
		Help: "Total acquisitions that had to wait for the window to roll over",
	}, []string{"group"})

	permitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecb_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a permit by endpoint group",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"group"})

	permitCancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_ratelimit_cancelled_total",
		Help: "Total waits abandoned by the caller before a permit was granted",
	}, []string{"group"})

	permitsRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ecb_ratelimit_remaining",
		Help: "Permits remaining in the current window by endpoint group",
	}, []string{"group"})
)

// ErrWaitCancelled is returned when the caller abandons a wait. No permit is
// consumed in that case.
var ErrWaitCancelled = errors.New("rate limit wait cancelled")

// Config holds the limiter configuration.
type Config struct {
	// MaxRequests is the number of permits per window and endpoint group.
	MaxRequests int

	// Window is the budget window length.
	Window time.Duration

	// MinInterval spaces consecutive permits of one group (0 disables pacing).
	MinInterval time.Duration

	// Logger for limiter events (defaults to the global logger).
	Logger *zerolog.Logger
}

// DefaultConfig returns the upstream's documented budget: 10 requests per minute.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 10,
		Window:      time.Minute,
	}
}

// Limiter hands out request permits per endpoint group.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	budgets map[string]*Budget
	pacers  map[string]*rate.Limiter
}

// New creates a limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("max_requests must be > 0 (got %d)", cfg.MaxRequests)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be > 0 (got %s)", cfg.Window)
	}
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("min_interval must be >= 0 (got %s)", cfg.MinInterval)
	}

	logger := log.With().Str("component", "rate-limiter").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		budgets: make(map[string]*Budget),
		pacers:  make(map[string]*rate.Limiter),
	}, nil
}

// Acquire returns once a permit for group is granted. It blocks while the
// group's budget is exhausted or the pacing interval has not elapsed, and
// returns ErrWaitCancelled (wrapping the context error) if ctx ends first.
// A permit and its pacing slot are taken together, so an abandoned wait
// consumes neither.
func (l *Limiter) Acquire(ctx context.Context, group string) error {
	start := time.Now()

	waited := false
	for {
		l.mu.Lock()
		b := l.budget(group)
		pacer := l.pacerLocked(group)
		now := l.now()
		b.roll(now, l.cfg.Window)

		var wait time.Duration
		switch {
		case b.Exhausted():
			wait = b.TimeUntilReset(now, l.cfg.Window)
		case pacer != nil && pacer.TokensAt(now) < 1:
			wait = time.Duration((1 - pacer.TokensAt(now)) * float64(l.cfg.MinInterval))
			if wait <= 0 {
				wait = time.Millisecond
			}
		default:
			b.Issued++
			if pacer != nil {
				pacer.AllowN(now, 1)
			}
			remaining := b.Remaining()
			l.mu.Unlock()

			permitsGranted.WithLabelValues(group).Inc()
			permitsRemaining.WithLabelValues(group).Set(float64(remaining))
			if waited {
				permitWaitSeconds.WithLabelValues(group).Observe(time.Since(start).Seconds())
			}
			return nil
		}

		issued := b.Issued
		l.mu.Unlock()

		if !waited {
			waited = true
			permitWaits.WithLabelValues(group).Inc()
			l.logger.Debug().
				Str("group", group).
				Int("issued", issued).
				Dur("wait", wait).
				Msg("Request budget exhausted or paced, waiting")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			permitCancellations.WithLabelValues(group).Inc()
			l.logger.Debug().Str("group", group).Msg("Permit wait abandoned")
			return fmt.Errorf("%w: %w", ErrWaitCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// Snapshot returns a copy of the group's current budget.
func (l *Limiter) Snapshot(group string) Budget {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.budget(group)
	b.roll(l.now(), l.cfg.Window)
	return *b
}

// budget returns the group's budget, creating it. Caller holds l.mu.
func (l *Limiter) budget(group string) *Budget {
	b, ok := l.budgets[group]
	if !ok {
		b = &Budget{Group: group, Limit: l.cfg.MaxRequests}
		l.budgets[group] = b
	}
	return b
}

// pacerLocked returns the group's pacer, or nil without pacing. Caller holds l.mu.
func (l *Limiter) pacerLocked(group string) *rate.Limiter {
	if l.cfg.MinInterval == 0 {
		return nil
	}

	p, ok := l.pacers[group]
	if !ok {
		p = rate.NewLimiter(rate.Every(l.cfg.MinInterval), 1)
		l.pacers[group] = p
	}
	return p
}
