// Package store provides durable keyed storage of series descriptors and
// observations. Every backend applies the same merge rule: absent periods are
// inserted, present periods are overwritten only by revised values, and a
// batch is committed atomically or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

var (
	// ErrNotFound indicates no descriptor is stored for the key.
	ErrNotFound = errors.New("series not found in store")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrCorrupt indicates a stored record could not be decoded.
	ErrCorrupt = errors.New("corrupt store record")
)

// SeriesStore is the narrow interface the cache coordinator reads and writes through.
type SeriesStore interface {
	// Get returns the descriptor of key, or ErrNotFound.
	Get(ctx context.Context, key series.Key) (*series.Descriptor, error)

	// Put creates or replaces a descriptor.
	Put(ctx context.Context, d *series.Descriptor) error

	// ListObservations returns the observations of key within window, ordered by period.
	ListObservations(ctx context.Context, key series.Key, window series.Window) ([]series.Observation, error)

	// MergeObservations merges a batch atomically. Readers never observe a
	// partially merged batch.
	MergeObservations(ctx context.Context, key series.Key, batch []series.Observation) (series.MergeStats, error)

	// ListDescriptors returns every stored descriptor ordered by key.
	ListDescriptors(ctx context.Context) ([]*series.Descriptor, error)

	// LogFetch appends a record to the fetch log. Only the newest
	// FetchLogCapacity records are kept.
	LogFetch(ctx context.Context, rec FetchRecord) error

	// RecentFetches returns up to limit fetch records, newest first. A limit
	// of zero or less returns every retained record.
	RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error)

	// LastSuccess returns the time of the newest successful fetch, or the
	// zero time when none was logged.
	LastSuccess(ctx context.Context) (time.Time, error)

	// Stats counts the stored observations of key and their period range.
	Stats(ctx context.Context, key series.Key) (SeriesStats, error)

	// Close releases the backend's resources.
	Close() error
}

// storedObservation is the persisted form of an observation value.
type storedObservation struct {
	Value  float64       `json:"v"`
	Status series.Status `json:"s,omitempty"`
}

func (s storedObservation) observation(key series.Key, period series.Period) series.Observation {
	return series.Observation{SeriesKey: key, Period: period, Value: s.Value, Status: s.Status}
}

func toStored(o series.Observation) storedObservation {
	return storedObservation{Value: o.Value, Status: o.Status}
}
