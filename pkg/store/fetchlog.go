package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/google/uuid"
)

// FetchLogCapacity is the number of fetch records a backend retains.
const FetchLogCapacity = 1000

// ErrInvalidFetchRecord is returned by LogFetch for an incomplete record.
var ErrInvalidFetchRecord = errors.New("invalid fetch record")

// FetchStatus is the result of one upstream fetch.
type FetchStatus string

const (
	FetchSuccess FetchStatus = "success"
	FetchError   FetchStatus = "error"
)

// FetchRecord is one entry of the fetch log.
type FetchRecord struct {
	ID           string        `json:"id"`
	SeriesKey    series.Key    `json:"series_key"`
	Status       FetchStatus   `json:"status"`
	Observations int           `json:"observations"`
	Inserted     int           `json:"inserted"`
	Updated      int           `json:"updated"`
	Error        string        `json:"error,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
	Duration     time.Duration `json:"duration_ns"`
}

// prepare assigns a missing ID and checks the record.
func (r *FetchRecord) prepare() error {
	if r.SeriesKey == "" {
		return fmt.Errorf("%w: series key is required", ErrInvalidFetchRecord)
	}
	if r.Status != FetchSuccess && r.Status != FetchError {
		return fmt.Errorf("%w: status %q", ErrInvalidFetchRecord, r.Status)
	}
	if r.FetchedAt.IsZero() {
		return fmt.Errorf("%w: fetch time is required", ErrInvalidFetchRecord)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// SeriesStats summarizes the stored observations of one series.
type SeriesStats struct {
	Key          series.Key    `json:"key"`
	Observations int           `json:"observations"`
	FirstPeriod  series.Period `json:"first_period,omitempty"`
	LastPeriod   series.Period `json:"last_period,omitempty"`
}
