package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/cache"
	"github.com/Sternrassler/ecb-series-client/pkg/logging"
	"github.com/Sternrassler/ecb-series-client/pkg/metrics"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/Sternrassler/ecb-series-client/pkg/store"
	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// defaultWindowDays is the window served when a request names no start date.
const defaultWindowDays = 30

// recentFetches is the number of fetch log records shown on /status.
const recentFetches = 10

// upstreamCheckTimeout bounds the startup connectivity check.
const upstreamCheckTimeout = 10 * time.Second

// pinger checks upstream connectivity. *client.Client implements it.
type pinger interface {
	Ping(ctx context.Context, def series.Definition) error
}

// runReporter reports the last background refresh. *scheduler.Scheduler
// implements it.
type runReporter interface {
	LastRun() (time.Time, cache.RefreshSummary)
}

// upstreamCheck is the result of the last connectivity check.
type upstreamCheck struct {
	Reachable bool      `json:"reachable"`
	Series    string    `json:"series"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// server exposes the coordinator over HTTP.
type server struct {
	coordinator *cache.Coordinator
	store       store.SeriesStore
	logger      zerolog.Logger
	now         func() time.Time

	// scheduler is nil when background refresh is disabled.
	scheduler runReporter

	mu       sync.Mutex
	upstream *upstreamCheck
}

func newServer(coordinator *cache.Coordinator, st store.SeriesStore) *server {
	return &server{
		coordinator: coordinator,
		store:       st,
		logger:      logging.NewLogger("http"),
		now:         time.Now,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/series", s.seriesHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/refresh", s.refreshHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports whether the store answers.
func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.store.ListDescriptors(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// seriesResponse is the JSON body of GET /series.
type seriesResponse struct {
	*cache.Result
	Warning string `json:"warning,omitempty"`
}

// seriesHandler serves GET /series?key=EUR_USD_DAILY&start=2024-01-01&end=2024-01-31&force=true.
func (s *server) seriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	key := series.Key(q.Get("key"))
	if key == "" {
		http.Error(w, "missing key parameter", http.StatusBadRequest)
		return
	}

	window, err := s.parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	force := false
	if v := q.Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "invalid force parameter", http.StatusBadRequest)
			return
		}
	}

	result, err := s.coordinator.GetSeries(r.Context(), key, window, force)
	if err != nil {
		s.logger.Debug().Err(err).Str("series_key", key.String()).Msg("Series request failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	resp := seriesResponse{Result: result}
	if result.Warning != nil {
		resp.Warning = result.Warning.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) parseWindow(start, end string) (series.Window, error) {
	now := s.now()
	w := series.LastDays(now, defaultWindowDays)

	if start != "" {
		t, err := time.Parse(dateLayout, start)
		if err != nil {
			return series.Window{}, fmt.Errorf("invalid start date %q", start)
		}
		w.Start = t
	}
	if end != "" {
		t, err := time.Parse(dateLayout, end)
		if err != nil {
			return series.Window{}, fmt.Errorf("invalid end date %q", end)
		}
		w.End = t
	}
	return w, nil
}

// checkUpstream pings the upstream with def and keeps the result for
// /status. An unreachable upstream is logged, not fatal.
func (s *server) checkUpstream(ctx context.Context, p pinger, def series.Definition) error {
	ctx, cancel := context.WithTimeout(ctx, upstreamCheckTimeout)
	defer cancel()

	err := p.Ping(ctx, def)
	check := &upstreamCheck{
		Reachable: err == nil,
		Series:    def.Key.String(),
		CheckedAt: s.now(),
	}
	if err != nil {
		check.Error = err.Error()
		s.logger.Warn().Err(err).Str("series_key", def.Key.String()).Msg("Upstream unreachable at startup")
	} else {
		s.logger.Info().Str("series_key", def.Key.String()).Msg("Upstream reachable")
	}

	s.mu.Lock()
	s.upstream = check
	s.mu.Unlock()
	return err
}

// schedulerStatus is the "scheduler" object of GET /status.
type schedulerStatus struct {
	LastRun time.Time            `json:"last_run"`
	Summary cache.RefreshSummary `json:"summary"`
}

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	Series      []cache.SeriesStatus `json:"series"`
	LastRefresh time.Time            `json:"last_refresh"`
	Statistics  *cache.Statistics    `json:"statistics"`
	Scheduler   *schedulerStatus     `json:"scheduler,omitempty"`
	Upstream    *upstreamCheck       `json:"upstream,omitempty"`
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.coordinator.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Status listing failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats, err := s.coordinator.Statistics(r.Context(), recentFetches)
	if err != nil {
		s.logger.Error().Err(err).Msg("Statistics failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Series:      statuses,
		LastRefresh: stats.LastRefresh,
		Statistics:  stats,
	}
	if s.scheduler != nil {
		at, summary := s.scheduler.LastRun()
		resp.Scheduler = &schedulerStatus{LastRun: at, Summary: summary}
	}
	s.mu.Lock()
	resp.Upstream = s.upstream
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, resp)
}

// refreshResponse is the JSON body of POST /refresh.
type refreshResponse struct {
	Summary  cache.RefreshSummary `json:"summary"`
	Outcomes []refreshResult      `json:"outcomes"`
}

type refreshResult struct {
	cache.RefreshOutcome
	Error string `json:"error,omitempty"`
}

// refreshHandler serves POST /refresh?keys=A,B&force=true. Without keys the
// whole catalog is refreshed.
func (s *server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var keys []series.Key
	for _, part := range strings.Split(q.Get("keys"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, series.Key(part))
		}
	}
	force := q.Get("force") == "true"

	outcomes := s.coordinator.RefreshAll(r.Context(), keys, force)

	resp := refreshResponse{
		Summary:  cache.Summarize(outcomes),
		Outcomes: make([]refreshResult, 0, len(outcomes)),
	}
	for _, o := range outcomes {
		res := refreshResult{RefreshOutcome: o}
		if o.Err != nil {
			res.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, res)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, series.ErrInvalidKey),
		errors.Is(err, series.ErrUnknownSeries),
		errors.Is(err, series.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}
