package series

import (
	"fmt"
	"math"
	"sort"
)

// Status is the upstream OBS_STATUS quality flag of an observation.
type Status string

const (
	StatusNormal      Status = "A"
	StatusBreak       Status = "B"
	StatusEstimated   Status = "E"
	StatusForecast    Status = "F"
	StatusMissing     Status = "M"
	StatusProvisional Status = "P"
	StatusRevised     Status = "R"
)

// Revised reports whether upstream marked the value as a revision of an
// earlier publication. Only revised observations overwrite stored values.
func (s Status) Revised() bool {
	return s == StatusRevised
}

// Observation is one sample of a series. (SeriesKey, Period) is unique.
type Observation struct {
	SeriesKey Key     `json:"series_key"`
	Period    Period  `json:"period"`
	Value     float64 `json:"value"`
	Status    Status  `json:"status,omitempty"`
}

// MergeAction is the outcome of merging one incoming observation.
type MergeAction int

const (
	MergeSkip MergeAction = iota
	MergeInsert
	MergeUpdate
)

// String returns a label for logs and metrics.
func (a MergeAction) String() string {
	switch a {
	case MergeInsert:
		return "insert"
	case MergeUpdate:
		return "update"
	default:
		return "skip"
	}
}

// Decide applies the merge rule: insert absent periods, overwrite present ones
// only when upstream marks the incoming value revised, otherwise keep what is
// stored. A revised row identical to the stored one is a skip, so merging the
// same batch twice leaves the store unchanged.
func Decide(existing *Observation, incoming Observation) MergeAction {
	if existing == nil {
		return MergeInsert
	}
	if !incoming.Status.Revised() {
		return MergeSkip
	}
	if existing.Value == incoming.Value && existing.Status == incoming.Status {
		return MergeSkip
	}
	return MergeUpdate
}

// MergeStats counts what a merge did.
type MergeStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Record adds one action to the stats.
func (s *MergeStats) Record(a MergeAction) {
	switch a {
	case MergeInsert:
		s.Inserted++
	case MergeUpdate:
		s.Updated++
	default:
		s.Skipped++
	}
}

// Changed reports whether the merge wrote anything.
func (s MergeStats) Changed() bool {
	return s.Inserted+s.Updated > 0
}

// ValidateBatch checks a batch before it is merged: every observation belongs
// to key, has a parseable period and a finite value, and no period repeats.
func ValidateBatch(key Key, batch []Observation) error {
	seen := make(map[Period]struct{}, len(batch))
	for i, obs := range batch {
		if obs.SeriesKey != key {
			return fmt.Errorf("%w: observation %d belongs to %q, not %q", ErrInvalidBatch, i, obs.SeriesKey, key)
		}
		if _, err := ParsePeriod(obs.Period); err != nil {
			return fmt.Errorf("%w: observation %d: %v", ErrInvalidBatch, i, err)
		}
		if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
			return fmt.Errorf("%w: observation %d (%s) has non-finite value", ErrInvalidBatch, i, obs.Period)
		}
		if _, dup := seen[obs.Period]; dup {
			return fmt.Errorf("%w: duplicate period %s", ErrInvalidBatch, obs.Period)
		}
		seen[obs.Period] = struct{}{}
	}
	return nil
}

// SortObservations orders observations by period.
func SortObservations(obs []Observation) {
	sort.SliceStable(obs, func(i, j int) bool {
		return ComparePeriods(obs[i].Period, obs[j].Period) < 0
	})
}
