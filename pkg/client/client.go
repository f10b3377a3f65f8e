// Package client provides the upstream SDMX-JSON client with rate limiting,
// retries, a circuit breaker and strict payload decoding.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/ratelimit"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Prometheus metrics for upstream operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_upstream_requests_total",
		Help: "Total upstream requests by dataflow and status",
	}, []string{"dataflow", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecb_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by dataflow",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"dataflow"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecb_upstream_errors_total",
		Help: "Total failed fetches by error class",
	}, []string{"class"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ecb_upstream_circuit_state",
		Help: "Circuit breaker state by dataflow (0=closed, 1=half-open, 2=open)",
	}, []string{"dataflow"})

	payloadsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ecb_upstream_payloads_archived_total",
		Help: "Total malformed payloads archived for inspection",
	})
)

// DefaultBaseURL is the ECB data API.
const DefaultBaseURL = "https://data-api.ecb.europa.eu/service/data"

// maxResponseBytes bounds the size of a decoded payload.
const maxResponseBytes = 64 << 20

// PayloadArchive keeps raw payloads that failed decoding so they can be
// inspected later. It returns a reference that is logged and attached to the error.
type PayloadArchive interface {
	ArchivePayload(ctx context.Context, key series.Key, payload []byte) (string, error)
}

// BreakerConfig configures the per-dataflow circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that opens the circuit.
	FailureThreshold uint32

	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32

	// Interval clears the failure counts while closed (0 never clears).
	Interval time.Duration
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the SDMX data service, without trailing slash.
	BaseURL string

	// User-Agent header (REQUIRED).
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// HTTPTimeout bounds a single HTTP attempt.
	HTTPTimeout time.Duration

	// Limiter hands out request permits per dataflow (REQUIRED).
	Limiter *ratelimit.Limiter

	// Retry policy settings.
	Retry RetryConfig

	// Breaker settings.
	Breaker BreakerConfig

	// Archive receives malformed payloads (optional).
	Archive PayloadArchive

	// Logger for client events (defaults to the global logger).
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(limiter *ratelimit.Limiter, userAgent string) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		UserAgent:   userAgent,
		HTTPTimeout: 30 * time.Second,
		Limiter:     limiter,
		Retry:       DefaultRetryConfig(),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      2 * time.Minute,
			HalfOpenRequests: 1,
			Interval:         time.Minute,
		},
	}
}

// FetchResult is a normalised series fetched from the upstream.
type FetchResult struct {
	Definition series.Definition
	Label      string
	Unit       string
	Frequency  series.Frequency

	// Observations ordered by period; null and missing values are dropped.
	Observations []series.Observation

	FetchedAt time.Time
}

// Client fetches series from the upstream.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      *RetryPolicy
	archive    PayloadArchive
	config     Config
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}

	logger := log.With().Str("component", "upstream-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	retry, err := NewRetryPolicy(cfg.Retry, &logger)
	if err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		limiter:  cfg.Limiter,
		retry:    retry,
		archive:  cfg.Archive,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// FetchSeries fetches the observations of def within window. Every HTTP
// attempt acquires its own rate limit permit; transient failures are retried.
func (c *Client) FetchSeries(ctx context.Context, def series.Definition, window series.Window) (*FetchResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("format", "jsondata")
	query.Set("startPeriod", window.StartParam())
	query.Set("endPeriod", window.EndParam())

	logger := c.logger.With().
		Str("series_key", def.Key.String()).
		Str("dataflow", def.Dataflow).
		Str("window", window.String()).
		Logger()

	logger.Debug().Msg("Fetching series")

	body, err := c.fetch(ctx, def, query)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(errorLabel(err)).Inc()
		logger.Warn().Err(err).Str("error_class", errorLabel(err)).Msg("Fetch failed")
		return nil, fmt.Errorf("fetch %s: %w", def.Key, err)
	}

	parsed, err := decodeSeries(body, def)
	if err != nil {
		err = c.archiveMalformed(ctx, def.Key, body, err, logger)
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		return nil, fmt.Errorf("decode %s: %w", def.Key, err)
	}

	result := &FetchResult{
		Definition:   def,
		Label:        parsed.Label,
		Unit:         parsed.Unit,
		Frequency:    parsed.Frequency,
		Observations: parsed.Observations,
		FetchedAt:    c.now(),
	}
	if result.Label == "" {
		result.Label = def.Label
	}

	logger.Info().
		Int("observations", len(result.Observations)).
		Int("dropped", parsed.Dropped).
		Msg("Fetched series")

	return result, nil
}

// Ping checks connectivity by fetching the latest observation of def.
func (c *Client) Ping(ctx context.Context, def series.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	query := url.Values{}
	query.Set("format", "jsondata")
	query.Set("lastNObservations", "1")

	body, err := c.fetch(ctx, def, query)
	if err != nil {
		return fmt.Errorf("ping %s: %w", def.Reference(), err)
	}
	if _, err := decodeSeries(body, def); err != nil {
		return fmt.Errorf("ping %s: %w", def.Reference(), err)
	}

	c.logger.Debug().Str("dataflow", def.Dataflow).Msg("Upstream reachable")
	return nil
}

// fetch runs the request under the retry policy and returns the raw body.
func (c *Client) fetch(ctx context.Context, def series.Definition, query url.Values) ([]byte, error) {
	endpoint := c.config.BaseURL + "/" + url.PathEscape(def.Dataflow) + "/" + def.DimensionKey + "?" + query.Encode()

	var body []byte
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		b, err := c.attempt(ctx, def.Dataflow, endpoint)
		body = b
		return err
	})
	return body, err
}

// attempt performs one HTTP attempt: permit, breaker, request.
func (c *Client) attempt(ctx context.Context, dataflow, endpoint string) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, dataflow); err != nil {
		return nil, err
	}

	result, err := c.breaker(dataflow).Execute(func() (interface{}, error) {
		return c.do(ctx, dataflow, endpoint)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		upstreamRequestsTotal.WithLabelValues(dataflow, "circuit_open").Inc()
		return nil, &UpstreamError{Class: ErrorClassCircuitOpen, Message: dataflow, Err: err}
	}
	if err != nil {
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}

// do executes the HTTP request and maps the response to a body or an UpstreamError.
func (c *Client) do(ctx context.Context, dataflow, endpoint string) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(dataflow).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(dataflow, "network_error").Inc()
		return nil, &UpstreamError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(dataflow, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		errorClass := classifyStatus(resp.StatusCode)
		if errorClass == "" {
			errorClass = ErrorClassClient
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		c.logger.Debug().
			Str("dataflow", dataflow).
			Int("status", resp.StatusCode).
			Str("error_class", string(errorClass)).
			Msg("Upstream request error")

		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Class:      errorClass,
			Message:    resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
	}
	if len(body) > maxResponseBytes {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Class: ErrorClassMalformed, Message: "response too large"}
	}
	return body, nil
}

// breaker returns the circuit breaker of a dataflow.
func (c *Client) breaker(dataflow string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[dataflow]; ok {
		return cb
	}

	threshold := c.config.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dataflow,
		MaxRequests: c.config.Breaker.HalfOpenRequests,
		Interval:    c.config.Breaker.Interval,
		Timeout:     c.config.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only transient failures say something about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn().
				Str("dataflow", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	c.breakers[dataflow] = cb
	return cb
}

// BreakerState returns the circuit state of a dataflow ("closed", "half-open", "open").
func (c *Client) BreakerState(dataflow string) string {
	return c.breaker(dataflow).State().String()
}

// archiveMalformed stores the raw payload, if an archive is configured, and
// attaches the reference to the decode error.
func (c *Client) archiveMalformed(ctx context.Context, key series.Key, body []byte, decodeErr error, logger zerolog.Logger) error {
	var upErr *UpstreamError
	if !errors.As(decodeErr, &upErr) {
		upErr = &UpstreamError{Class: ErrorClassMalformed, Err: decodeErr}
		decodeErr = upErr
	}

	if c.archive != nil {
		ref, err := c.archive.ArchivePayload(ctx, key, body)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to archive malformed payload")
		} else {
			upErr.PayloadRef = ref
			payloadsArchived.Inc()
		}
	}

	logger.Error().
		Err(decodeErr).
		Str("error_class", string(ErrorClassMalformed)).
		Str("payload_ref", upErr.PayloadRef).
		Int("payload_bytes", len(body)).
		Msg("Malformed upstream response")

	return decodeErr
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// errorLabel returns the metric label of an error class.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrContextCancelled):
		return "cancelled"
	case ClassOf(err) != "":
		return string(ClassOf(err))
	default:
		return "unknown"
	}
}
