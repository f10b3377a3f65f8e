// Package testutil provides testing utilities for the ECB series client.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable mock SDMX data service for testing.
// Paths are "/{dataflow}/{dimensionKey}" as requested by the client.
type MockUpstream struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse

	// Tracking
	requestCount      int
	pathCount         map[string]int
	lastRequestHeader http.Header
	lastQuery         map[string]string
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:  make(map[string]http.HandlerFunc),
		sequences: make(map[string][]MockResponse),
		pathCount: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCount[r.URL.Path]++
		mock.lastRequestHeader = r.Header.Clone()
		mock.lastQuery = make(map[string]string)
		for k := range r.URL.Query() {
			mock.lastQuery[k] = r.URL.Query().Get(k)
		}

		var next *MockResponse
		if seq := mock.sequences[r.URL.Path]; len(seq) > 0 {
			resp := seq[0]
			next = &resp
			// The last response of a sequence repeats.
			if len(seq) > 1 {
				mock.sequences[r.URL.Path] = seq[1:]
			}
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case next != nil:
			writeResponse(w, r, *next)
		case exists:
			handler(w, r)
		default:
			writeResponse(w, r, NewNotFoundResponse())
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCount = make(map[string]int)
	m.lastRequestHeader = nil
	m.lastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence configures responses served in order for a path; the last one repeats.
func (m *MockUpstream) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = append([]MockResponse(nil), responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to a path.
func (m *MockUpstream) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCount[path]
}

// LastHeader returns a header of the most recent request.
func (m *MockUpstream) LastHeader(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader.Get(name)
}

// LastQuery returns a query parameter of the most recent request.
func (m *MockUpstream) LastQuery(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastQuery[name]
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewSeriesResponse creates a 200 OK response carrying an SDMX-JSON payload.
func NewSeriesResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/vnd.sdmx.data+json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates the upstream's 404 for unknown series.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       "No results found.",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       "Too many requests",
		Headers:    map[string]string{},
	}
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(int(retryAfter.Seconds()))
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal server error",
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       "Syntax error",
	}
}
