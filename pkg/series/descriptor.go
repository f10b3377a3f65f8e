package series

import "time"

// Descriptor is the stored identity and sync state of one series. It is created
// on the first successful fetch and updated on every successful merge.
type Descriptor struct {
	Key          Key       `json:"key"`
	Dataflow     string    `json:"dataflow"`
	DimensionKey string    `json:"dimension_key"`
	Label        string    `json:"label"`
	Unit         string    `json:"unit,omitempty"`
	Frequency    Frequency `json:"frequency"`

	// LastSync is when the last successful merge completed.
	LastSync time.Time `json:"last_sync"`

	CreatedAt time.Time `json:"created_at"`
}

// NewDescriptor creates a descriptor for def.
func NewDescriptor(def Definition, now time.Time) *Descriptor {
	return &Descriptor{
		Key:          def.Key,
		Dataflow:     def.Dataflow,
		DimensionKey: def.DimensionKey,
		Label:        def.Label,
		Frequency:    def.Frequency,
		CreatedAt:    now,
	}
}

// Age returns how long ago the last successful sync happened.
func (d *Descriptor) Age(now time.Time) time.Duration {
	return now.Sub(d.LastSync)
}

// IsStale returns true if the last sync is older than maxAge.
func (d *Descriptor) IsStale(maxAge time.Duration, now time.Time) bool {
	return d.Age(now) > maxAge
}
