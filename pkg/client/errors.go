package client

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrSeriesNotFound is returned when the upstream does not know the series key.
	ErrSeriesNotFound = errors.New("series not found upstream")

	// ErrRateLimited is returned when the upstream explicitly throttles a request.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrMalformedResponse is returned when a payload violates the SDMX-JSON schema.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrCircuitOpen is returned while the circuit breaker rejects requests.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 404 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling by the upstream.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassNotFound represents an unknown series (404).
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassMalformed represents a payload that failed strict decoding.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassCircuitOpen represents a request rejected by the circuit breaker.
	ErrorClassCircuitOpen ErrorClass = "circuit_open"
)

// UpstreamError represents an upstream failure with its classification.
type UpstreamError struct {
	StatusCode int
	Class      ErrorClass
	Message    string

	// RetryAfter is the delay requested by the upstream, if any.
	RetryAfter time.Duration

	// PayloadRef references the archived raw payload of a malformed response.
	PayloadRef string

	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s error", e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.PayloadRef != "" {
		msg += " [payload " + e.PayloadRef + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is maps the error class onto the package sentinels so callers can test
// errors.Is(err, ErrSeriesNotFound) and friends.
func (e *UpstreamError) Is(target error) bool {
	switch e.Class {
	case ErrorClassNotFound:
		return target == ErrSeriesNotFound
	case ErrorClassRateLimit:
		return target == ErrRateLimited
	case ErrorClassMalformed:
		return target == ErrMalformedResponse
	case ErrorClassCircuitOpen:
		return target == ErrCircuitOpen
	default:
		return false
	}
}

// ClassOf returns the error class of err, or "" if err is not an upstream error.
func ClassOf(err error) ErrorClass {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Class
	}
	return ""
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return shouldRetry(ClassOf(err))
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client, not_found, malformed and circuit_open fail immediately
		return false
	}
}

// classifyStatus maps an HTTP status code to an error class. Returns "" for 2xx/3xx.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusNotFound:
		return ErrorClassNotFound
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
