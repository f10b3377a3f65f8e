package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecb_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay, including upstream Retry-After hints.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the relative randomisation of each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("initial_backoff must be > 0 (got %s)", c.InitialBackoff)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("max_backoff must be >= initial_backoff (got %s)", c.MaxBackoff)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %v)", c.BackoffMultiplier)
	case c.Jitter < 0 || c.Jitter >= 1:
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", c.Jitter)
	}
	return nil
}

// RetryPolicy wraps a fallible operation with bounded exponential-backoff retries.
// Only transient failures (network, server, rate_limit) are retried.
type RetryPolicy struct {
	config RetryConfig
	logger zerolog.Logger

	// sleep and random are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// NewRetryPolicy creates a retry policy. A nil logger falls back to the global logger.
func NewRetryPolicy(config RetryConfig, logger *zerolog.Logger) (*RetryPolicy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := log.With().Str("component", "retry").Logger()
	if logger != nil {
		l = *logger
	}

	return &RetryPolicy{
		config: config,
		logger: l,
		sleep:  sleepContext,
		random: rand.Float64,
	}, nil
}

// Config returns the policy configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.config
}

// Execute runs op until it succeeds, fails with a non-transient error, or the
// attempts are exhausted. Exhaustion returns an error wrapping both
// ErrRetryExhausted and the last failure.
func (p *RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	var delay time.Duration

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		// Failures caused by the caller giving up are not upstream failures.
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		lastErr = err
		errorClass := ClassOf(err)

		if !shouldRetry(errorClass) {
			return err
		}

		if attempt >= p.config.MaxAttempts {
			break
		}

		delay = p.backoff(attempt, delay, err)

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(delay.Seconds())

		p.logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying request after backoff")

		if err := p.sleep(ctx, delay); err != nil {
			p.logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	errorClass := ClassOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	p.logger.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", p.config.MaxAttempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.config.MaxAttempts, lastErr)
}

// backoff returns the delay after the given failed attempt. Delays grow
// exponentially with jitter, honour upstream Retry-After hints, never exceed
// MaxBackoff and never shrink below the previous delay.
func (p *RetryPolicy) backoff(attempt int, previous time.Duration, err error) time.Duration {
	base := float64(p.config.InitialBackoff) * math.Pow(p.config.BackoffMultiplier, float64(attempt-1))
	if j := p.config.Jitter; j > 0 {
		base *= 1 - j + 2*j*p.random()
	}

	delay := time.Duration(base)
	if hint := retryAfterOf(err); hint > delay {
		delay = hint
	}
	if delay > p.config.MaxBackoff {
		delay = p.config.MaxBackoff
	}
	if delay < previous {
		delay = previous
	}
	return delay
}

func retryAfterOf(err error) time.Duration {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.RetryAfter
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
