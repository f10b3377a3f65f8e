package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/ecb-series-client/internal/testutil"
	"github.com/Sternrassler/ecb-series-client/pkg/ratelimit"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

const (
	testUserAgent = "ecb-series-client-test/1.0 (test@example.com)"
	eurUSDPath    = "/EXR/D.USD.EUR.SP00.A"
)

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{MaxRequests: 100, Window: time.Minute})
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	return limiter
}

// newTestClient creates a client against the mock with millisecond backoffs.
func newTestClient(t *testing.T, mock *testutil.MockUpstream, modify ...func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(newTestLimiter(t), testUserAgent)
	cfg.BaseURL = mock.URL()
	cfg.Retry.InitialBackoff = 5 * time.Millisecond
	cfg.Retry.MaxBackoff = 20 * time.Millisecond
	for _, m := range modify {
		m(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func testWindow() series.Window {
	return series.NewWindow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
}

func eurUSDPayload() string {
	return testutil.SDMXPayload(testutil.Series{
		DimensionKey: "D.USD.EUR.SP00.A",
		Title:        "US dollar/Euro",
		Unit:         "USD",
		Observations: []testutil.Obs{
			testutil.O("2024-01-02", 1.0956, "A"),
			testutil.O("2024-01-03", 1.0919, "A"),
			testutil.O("2024-01-04", 1.0953, "A"),
		},
	})
}

type recordingArchive struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (a *recordingArchive) ArchivePayload(_ context.Context, _ series.Key, payload []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	return "ref-1", nil
}

func TestNew_Validation(t *testing.T) {
	limiter := newTestLimiter(t)

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig(limiter, testUserAgent),
		},
		{
			name:        "nil limiter",
			config:      DefaultConfig(nil, testUserAgent),
			expectError: true,
			errorMsg:    "rate limiter is required",
		},
		{
			name:        "empty user agent",
			config:      DefaultConfig(limiter, " "),
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name: "relative base url",
			config: func() Config {
				c := DefaultConfig(limiter, testUserAgent)
				c.BaseURL = "service/data"
				return c
			}(),
			expectError: true,
		},
		{
			name: "invalid retry config",
			config: func() Config {
				c := DefaultConfig(limiter, testUserAgent)
				c.Retry.MaxAttempts = 0
				return c
			}(),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c == nil {
				t.Error("Expected client, got nil")
			}
		})
	}
}

func TestFetchSeries_Success(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewSeriesResponse(eurUSDPayload()))

	c := newTestClient(t, mock)

	result, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if err != nil {
		t.Fatalf("FetchSeries() error = %v", err)
	}

	if len(result.Observations) != 3 {
		t.Fatalf("Observations = %d, want 3", len(result.Observations))
	}
	if result.Observations[0].Period != "2024-01-02" || result.Observations[2].Period != "2024-01-04" {
		t.Errorf("Observations not ordered: %+v", result.Observations)
	}
	if result.Label != "US dollar/Euro" || result.Unit != "USD" {
		t.Errorf("Label/Unit = %q/%q", result.Label, result.Unit)
	}
	if result.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}

	if got := mock.LastHeader("User-Agent"); got != testUserAgent {
		t.Errorf("User-Agent = %q, want %q", got, testUserAgent)
	}
	if got := mock.LastHeader("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	for param, want := range map[string]string{
		"format":      "jsondata",
		"startPeriod": "2024-01-01",
		"endPeriod":   "2024-01-31",
	} {
		if got := mock.LastQuery(param); got != want {
			t.Errorf("query %s = %q, want %q", param, got, want)
		}
	}
}

func TestFetchSeries_NotFound(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewNotFoundResponse())

	c := newTestClient(t, mock)

	_, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if !errors.Is(err, ErrSeriesNotFound) {
		t.Fatalf("FetchSeries() error = %v, want ErrSeriesNotFound", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("not found must not be retried")
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want 1", got)
	}
}

func TestFetchSeries_ClientErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewBadRequestResponse())

	c := newTestClient(t, mock)

	_, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if ClassOf(err) != ErrorClassClient {
		t.Fatalf("FetchSeries() error = %v, want client class", err)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want 1", got)
	}
}

func TestFetchSeries_ServerErrorRetried(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence(eurUSDPath,
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewSeriesResponse(eurUSDPayload()),
	)

	limiter := newTestLimiter(t)
	c := newTestClient(t, mock, func(cfg *Config) { cfg.Limiter = limiter })

	result, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if err != nil {
		t.Fatalf("FetchSeries() error = %v", err)
	}
	if len(result.Observations) != 3 {
		t.Errorf("Observations = %d, want 3", len(result.Observations))
	}
	if got := mock.GetRequestCount(); got != 3 {
		t.Errorf("RequestCount = %d, want 3", got)
	}

	// One permit per actual HTTP attempt.
	if b := limiter.Snapshot("EXR"); b.Issued != 3 {
		t.Errorf("permits issued = %d, want 3", b.Issued)
	}
}

func TestFetchSeries_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewServerErrorResponse())

	c := newTestClient(t, mock)

	_, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("FetchSeries() error = %v, want ErrRetryExhausted", err)
	}
	if ClassOf(err) != ErrorClassServer {
		t.Errorf("last failure class = %q, want server", ClassOf(err))
	}
	if got := mock.GetRequestCount(); got != DefaultRetryConfig().MaxAttempts {
		t.Errorf("RequestCount = %d, want %d", got, DefaultRetryConfig().MaxAttempts)
	}
}

func TestFetchSeries_UpstreamThrottleRetried(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence(eurUSDPath,
		testutil.NewRateLimitResponse(time.Second),
		testutil.NewSeriesResponse(eurUSDPayload()),
	)

	c := newTestClient(t, mock)

	start := time.Now()
	if _, err := c.FetchSeries(context.Background(), eurUSD, testWindow()); err != nil {
		t.Fatalf("FetchSeries() error = %v", err)
	}
	if got := mock.GetRequestCount(); got != 2 {
		t.Errorf("RequestCount = %d, want 2", got)
	}
	// Retry-After is capped by MaxBackoff (20ms here).
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("FetchSeries took %v, Retry-After not capped", elapsed)
	}
}

func TestFetchSeries_MalformedArchived(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewSeriesResponse(`{"dataSets": []}`))

	archive := &recordingArchive{}
	c := newTestClient(t, mock, func(cfg *Config) { cfg.Archive = archive })

	_, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("FetchSeries() error = %v, want ErrMalformedResponse", err)
	}

	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.PayloadRef != "ref-1" {
		t.Errorf("PayloadRef not attached: %v", err)
	}
	if len(archive.payloads) != 1 || string(archive.payloads[0]) != `{"dataSets": []}` {
		t.Errorf("archived payloads = %q", archive.payloads)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want 1 (malformed is not retried)", got)
	}
}

func TestFetchSeries_CircuitBreaker(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewServerErrorResponse())

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.Retry.MaxAttempts = 2
		cfg.Breaker.FailureThreshold = 2
		cfg.Breaker.OpenTimeout = time.Minute
	})

	if _, err := c.FetchSeries(context.Background(), eurUSD, testWindow()); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("first FetchSeries() error = %v, want ErrRetryExhausted", err)
	}
	if state := c.BreakerState("EXR"); state != "open" {
		t.Fatalf("BreakerState = %q, want open", state)
	}

	_, err := c.FetchSeries(context.Background(), eurUSD, testWindow())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second FetchSeries() error = %v, want ErrCircuitOpen", err)
	}
	if got := mock.GetRequestCount(); got != 2 {
		t.Errorf("RequestCount = %d, want 2 (open circuit fails fast)", got)
	}
}

func TestFetchSeries_NotFoundDoesNotTripBreaker(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewNotFoundResponse())

	c := newTestClient(t, mock, func(cfg *Config) { cfg.Breaker.FailureThreshold = 1 })

	for i := 0; i < 3; i++ {
		if _, err := c.FetchSeries(context.Background(), eurUSD, testWindow()); !errors.Is(err, ErrSeriesNotFound) {
			t.Fatalf("FetchSeries() #%d error = %v, want ErrSeriesNotFound", i+1, err)
		}
	}
	if state := c.BreakerState("EXR"); state != "closed" {
		t.Errorf("BreakerState = %q, want closed", state)
	}
}

func TestFetchSeries_ValidationBeforeIO(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	c := newTestClient(t, mock)

	inverted := series.NewWindow(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if _, err := c.FetchSeries(context.Background(), eurUSD, inverted); !errors.Is(err, series.ErrInvalidWindow) {
		t.Errorf("FetchSeries(inverted) error = %v, want ErrInvalidWindow", err)
	}

	bad := eurUSD
	bad.Dataflow = ""
	if _, err := c.FetchSeries(context.Background(), bad, testWindow()); !errors.Is(err, series.ErrInvalidDefinition) {
		t.Errorf("FetchSeries(bad def) error = %v, want ErrInvalidDefinition", err)
	}

	if got := mock.GetRequestCount(); got != 0 {
		t.Errorf("RequestCount = %d, want 0", got)
	}
}

func TestFetchSeries_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	resp := testutil.NewSeriesResponse(eurUSDPayload())
	resp.Delay = 2 * time.Second
	mock.SetResponse(eurUSDPath, resp)

	c := newTestClient(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.FetchSeries(ctx, eurUSD, testWindow())
	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("FetchSeries() error = %v, want ErrContextCancelled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("FetchSeries returned after %v", elapsed)
	}
}

func TestPing(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewSeriesResponse(eurUSDPayload()))

	c := newTestClient(t, mock)

	if err := c.Ping(context.Background(), eurUSD); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if got := mock.LastQuery("lastNObservations"); got != "1" {
		t.Errorf("lastNObservations = %q, want 1", got)
	}
	if got := mock.LastQuery("startPeriod"); got != "" {
		t.Errorf("startPeriod = %q, want unset", got)
	}
}
