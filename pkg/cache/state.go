package cache

// State is the cache state of one series.
type State int

const (
	// StateUnknown means nothing is stored for the series yet.
	StateUnknown State = iota
	// StateFresh means the last successful sync is within MaxAge.
	StateFresh
	// StateStale means the data is older than MaxAge or the last refresh failed.
	StateStale
	// StateRefreshing means a refresh pass is in flight.
	StateRefreshing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// NeedsRefresh reports whether a read in this state triggers a refresh.
// A Refreshing series also joins the pass in flight.
func (s State) NeedsRefresh() bool {
	return s != StateFresh
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
