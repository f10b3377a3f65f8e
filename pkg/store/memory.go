package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

const backendMemory = "memory"

// MemoryStore is a concurrency-safe in-memory SeriesStore. A merge holds the
// write lock for the whole batch, so readers see a batch entirely or not at all.
type MemoryStore struct {
	mu sync.RWMutex

	descriptors map[series.Key]series.Descriptor

	// key: series key, value: observations by period
	observations map[series.Key]map[series.Period]storedObservation

	// fetch log, oldest first
	fetches     []FetchRecord
	lastSuccess time.Time

	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		descriptors:  make(map[series.Key]series.Descriptor),
		observations: make(map[series.Key]map[series.Period]storedObservation),
	}
}

// Get implements SeriesStore.
func (s *MemoryStore) Get(_ context.Context, key series.Key) (*series.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	d, ok := s.descriptors[key]
	recordOp(backendMemory, "get", nil)
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// Put implements SeriesStore.
func (s *MemoryStore) Put(_ context.Context, d *series.Descriptor) error {
	if d == nil {
		return fmt.Errorf("descriptor cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.descriptors[d.Key] = *d
	recordOp(backendMemory, "put", nil)
	return nil
}

// ListObservations implements SeriesStore.
func (s *MemoryStore) ListObservations(_ context.Context, key series.Key, window series.Window) ([]series.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	recordOp(backendMemory, "list", nil)

	var out []series.Observation
	for period, v := range s.observations[key] {
		if window.Contains(period) {
			out = append(out, v.observation(key, period))
		}
	}
	series.SortObservations(out)
	return out, nil
}

// MergeObservations implements SeriesStore.
func (s *MemoryStore) MergeObservations(_ context.Context, key series.Key, batch []series.Observation) (series.MergeStats, error) {
	if err := series.ValidateBatch(key, batch); err != nil {
		recordOp(backendMemory, "merge", err)
		return series.MergeStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return series.MergeStats{}, ErrClosed
	}

	rows, ok := s.observations[key]
	if !ok {
		rows = make(map[series.Period]storedObservation, len(batch))
		s.observations[key] = rows
	}

	var stats series.MergeStats
	for _, o := range batch {
		var existing *series.Observation
		if v, ok := rows[o.Period]; ok {
			e := v.observation(key, o.Period)
			existing = &e
		}
		action := series.Decide(existing, o)
		if action != series.MergeSkip {
			rows[o.Period] = toStored(o)
		}
		stats.Record(action)
	}

	recordOp(backendMemory, "merge", nil)
	recordMerge(backendMemory, stats)
	return stats, nil
}

// ListDescriptors implements SeriesStore.
func (s *MemoryStore) ListDescriptors(_ context.Context) ([]*series.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make([]*series.Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// LogFetch implements SeriesStore.
func (s *MemoryStore) LogFetch(_ context.Context, rec FetchRecord) error {
	if err := rec.prepare(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.fetches = append(s.fetches, rec)
	if n := len(s.fetches); n > FetchLogCapacity {
		s.fetches = append([]FetchRecord(nil), s.fetches[n-FetchLogCapacity:]...)
	}
	if rec.Status == FetchSuccess && rec.FetchedAt.After(s.lastSuccess) {
		s.lastSuccess = rec.FetchedAt
	}
	recordOp(backendMemory, "log_fetch", nil)
	return nil
}

// RecentFetches implements SeriesStore.
func (s *MemoryStore) RecentFetches(_ context.Context, limit int) ([]FetchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	n := len(s.fetches)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FetchRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.fetches[i])
	}
	return out, nil
}

// LastSuccess implements SeriesStore.
func (s *MemoryStore) LastSuccess(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return time.Time{}, ErrClosed
	}
	return s.lastSuccess, nil
}

// Stats implements SeriesStore.
func (s *MemoryStore) Stats(_ context.Context, key series.Key) (SeriesStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return SeriesStats{}, ErrClosed
	}

	stats := SeriesStats{Key: key}
	for period := range s.observations[key] {
		if stats.Observations == 0 || period < stats.FirstPeriod {
			stats.FirstPeriod = period
		}
		if period > stats.LastPeriod {
			stats.LastPeriod = period
		}
		stats.Observations++
	}
	recordOp(backendMemory, "stats", nil)
	return stats, nil
}

// Close implements SeriesStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
