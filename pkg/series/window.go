package series

import (
	"fmt"
	"time"
)

// Window is a date range requested by a caller. Both ends are inclusive,
// matching the upstream startPeriod/endPeriod parameters.
type Window struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtefield=Start"`
}

// NewWindow builds a window from two instants, truncated to UTC dates.
func NewWindow(start, end time.Time) Window {
	return Window{Start: truncateDate(start), End: truncateDate(end)}
}

// LastDays returns the window of the n days ending on now's date.
func LastDays(now time.Time, n int) Window {
	end := truncateDate(now)
	return Window{Start: end.AddDate(0, 0, -n), End: end}
}

func truncateDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Validate rejects zero or inverted windows.
func (w Window) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	return nil
}

// Contains reports whether the period's span overlaps the window. Unparseable
// periods are never contained.
func (w Window) Contains(p Period) bool {
	span, err := ParsePeriod(p)
	if err != nil {
		return false
	}
	return !span.Start.After(w.End) && !span.End.Before(w.Start)
}

// Union returns the smallest window covering both w and o.
func (w Window) Union(o Window) Window {
	u := w
	if o.Start.Before(u.Start) {
		u.Start = o.Start
	}
	if o.End.After(u.End) {
		u.End = o.End
	}
	return u
}

// Covers reports whether o lies entirely within w.
func (w Window) Covers(o Window) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

// StartParam formats the start date for the upstream startPeriod parameter.
func (w Window) StartParam() string {
	return w.Start.Format("2006-01-02")
}

// EndParam formats the end date for the upstream endPeriod parameter.
func (w Window) EndParam() string {
	return w.End.Format("2006-01-02")
}

// String renders the window as "start..end".
func (w Window) String() string {
	return w.StartParam() + ".." + w.EndParam()
}

// Filter returns the observations whose period falls in the window, in order.
func (w Window) Filter(obs []Observation) []Observation {
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if w.Contains(o.Period) {
			out = append(out, o)
		}
	}
	SortObservations(out)
	return out
}
