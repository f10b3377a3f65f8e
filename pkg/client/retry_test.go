package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestPolicy returns a policy that records its delays instead of sleeping.
func newTestPolicy(t *testing.T, cfg RetryConfig, random ...float64) (*RetryPolicy, *[]time.Duration) {
	t.Helper()

	p, err := NewRetryPolicy(cfg, nil)
	if err != nil {
		t.Fatalf("NewRetryPolicy() error = %v", err)
	}

	delays := &[]time.Duration{}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}

	i := 0
	p.random = func() float64 {
		if len(random) == 0 {
			return 0.5
		}
		r := random[i%len(random)]
		i++
		return r
	}
	return p, delays
}

func serverError() error {
	return &UpstreamError{StatusCode: 503, Class: ErrorClassServer, Message: "503 Service Unavailable"}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	base := DefaultRetryConfig()

	tests := []struct {
		name   string
		modify func(*RetryConfig)
	}{
		{"zero attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }},
		{"zero backoff", func(c *RetryConfig) { c.InitialBackoff = 0 }},
		{"max below initial", func(c *RetryConfig) { c.MaxBackoff = c.InitialBackoff / 2 }},
		{"shrinking multiplier", func(c *RetryConfig) { c.BackoffMultiplier = 0.5 }},
		{"jitter too large", func(c *RetryConfig) { c.Jitter = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestRetryPolicy_Success(t *testing.T) {
	p, delays := newTestPolicy(t, DefaultRetryConfig())

	callCount := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff, got %v", *delays)
	}
}

func TestRetryPolicy_SuccessAfterRetry(t *testing.T) {
	p, delays := newTestPolicy(t, DefaultRetryConfig())

	callCount := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return serverError()
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}

	// random 0.5 cancels the jitter out
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestRetryPolicy_MaxAttemptsExhausted(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Jitter = 0.5
	// First delay jittered up to 1.5s, second jittered down to 1s.
	p, delays := newTestPolicy(t, cfg, 1.0, 0.0)

	callCount := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		callCount++
		return &UpstreamError{Class: ErrorClassNetwork, Message: "connection refused"}
	})

	if callCount != cfg.MaxAttempts {
		t.Errorf("Expected %d calls, got %d", cfg.MaxAttempts, callCount)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}

	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Class != ErrorClassNetwork {
		t.Errorf("Expected last failure to be visible, got %v", err)
	}

	if len(*delays) != cfg.MaxAttempts-1 {
		t.Fatalf("delays = %v, want %d", *delays, cfg.MaxAttempts-1)
	}
	for i := 1; i < len(*delays); i++ {
		if (*delays)[i] < (*delays)[i-1] {
			t.Errorf("delays not non-decreasing: %v", *delays)
		}
	}
	if (*delays)[0] != 1500*time.Millisecond {
		t.Errorf("delay[0] = %v, want 1.5s", (*delays)[0])
	}
}

func TestRetryPolicy_BackoffCapped(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       6,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
	}
	p, delays := newTestPolicy(t, cfg)

	_ = p.Execute(context.Background(), func(context.Context) error {
		return serverError()
	})

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestRetryPolicy_NonTransientNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"client error", &UpstreamError{StatusCode: 400, Class: ErrorClassClient}},
		{"not found", &UpstreamError{StatusCode: 404, Class: ErrorClassNotFound}},
		{"malformed", &UpstreamError{Class: ErrorClassMalformed}},
		{"circuit open", &UpstreamError{Class: ErrorClassCircuitOpen}},
		{"unclassified", errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, delays := newTestPolicy(t, DefaultRetryConfig())

			callCount := 0
			err := p.Execute(context.Background(), func(context.Context) error {
				callCount++
				return tt.err
			})

			if callCount != 1 {
				t.Errorf("Expected 1 call, got %d", callCount)
			}
			if len(*delays) != 0 {
				t.Errorf("Expected no backoff, got %v", *delays)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected original error, got %v", err)
			}
			if errors.Is(err, ErrRetryExhausted) {
				t.Errorf("Non-transient error must not be tagged exhausted: %v", err)
			}
		})
	}
}

func TestRetryPolicy_RetryAfter(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.MaxBackoff = 8 * time.Second
	p, delays := newTestPolicy(t, cfg)

	hints := []time.Duration{5 * time.Second, 20 * time.Second}
	call := 0
	_ = p.Execute(context.Background(), func(context.Context) error {
		call++
		if call > len(hints) {
			return nil
		}
		return &UpstreamError{StatusCode: 429, Class: ErrorClassRateLimit, RetryAfter: hints[call-1]}
	})

	want := []time.Duration{5 * time.Second, 8 * time.Second}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	p, err := NewRetryPolicy(cfg, nil)
	if err != nil {
		t.Fatalf("NewRetryPolicy() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	callCount := 0
	start := time.Now()
	err = p.Execute(ctx, func(context.Context) error {
		callCount++
		return serverError()
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wrapped DeadlineExceeded, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Execute did not return promptly after cancellation")
	}
}

func TestRetryPolicy_FailureAfterCancellation(t *testing.T) {
	p, delays := newTestPolicy(t, DefaultRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Execute(ctx, func(context.Context) error {
		cancel()
		return serverError()
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff after cancellation, got %v", *delays)
	}
}
