// Package ratelimit bounds the outbound request rate to the upstream source.
// Each endpoint group (an upstream dataflow) owns an independent request
// budget per fixed window, so unrelated series do not starve each other.
package ratelimit

import (
	"time"
)

// Budget is the request budget state of one endpoint group.
type Budget struct {
	// Group is the endpoint group the budget belongs to.
	Group string `json:"group"`

	// Issued is the number of permits granted in the current window.
	Issued int `json:"issued"`

	// Limit is the maximum number of permits per window.
	Limit int `json:"limit"`

	// WindowStart is when the current window began.
	WindowStart time.Time `json:"window_start"`
}

// Expired returns true once the window that started at WindowStart has elapsed.
func (b *Budget) Expired(now time.Time, window time.Duration) bool {
	return !now.Before(b.WindowStart.Add(window))
}

// Remaining returns how many permits are left in the current window.
func (b *Budget) Remaining() int {
	if r := b.Limit - b.Issued; r > 0 {
		return r
	}
	return 0
}

// Exhausted returns true if no permit is left in the current window.
func (b *Budget) Exhausted() bool {
	return b.Issued >= b.Limit
}

// TimeUntilReset returns the duration until the window rolls over.
// Returns 0 if it already has.
func (b *Budget) TimeUntilReset(now time.Time, window time.Duration) time.Duration {
	d := b.WindowStart.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// roll starts a new window at now if the current one has expired.
func (b *Budget) roll(now time.Time, window time.Duration) bool {
	if b.WindowStart.IsZero() || b.Expired(now, window) {
		b.WindowStart = now
		b.Issued = 0
		return true
	}
	return false
}
