package testutil

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Obs is one observation of a mock series. A nil Value is encoded as null.
type Obs struct {
	Period string
	Value  *float64
	Status string
}

// Series describes a series to encode into a mock SDMX-JSON payload.
type Series struct {
	// DimensionKey such as "D.USD.EUR.SP00.A"; the first position is FREQ.
	DimensionKey string
	Title        string
	Unit         string
	Observations []Obs
}

// Value returns a pointer to v for Obs literals.
func Value(v float64) *float64 {
	return &v
}

// O builds an observation with a value.
func O(period string, value float64, status string) Obs {
	return Obs{Period: period, Value: Value(value), Status: status}
}

type value struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type component struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	KeyPosition *int    `json:"keyPosition,omitempty"`
	Role        string  `json:"role,omitempty"`
	Values      []value `json:"values"`
}

// indexer assigns stable positional indices to distinct values.
type indexer struct {
	values []value
	pos    map[string]int
}

func (ix *indexer) index(v value) int {
	if ix.pos == nil {
		ix.pos = make(map[string]int)
	}
	k := v.ID + "\x00" + v.Name
	if i, ok := ix.pos[k]; ok {
		return i
	}
	ix.pos[k] = len(ix.values)
	ix.values = append(ix.values, v)
	return len(ix.values) - 1
}

// SDMXPayload encodes the given series as an SDMX-JSON data message the way
// the ECB data API does: positional dimension tuples, a shared TIME_PERIOD
// enumeration and sparse observation maps.
func SDMXPayload(series ...Series) string {
	width := 0
	for _, s := range series {
		if n := len(strings.Split(s.DimensionKey, ".")); n > width {
			width = n
		}
	}

	dims := make([]indexer, width)
	var titles, units, statuses indexer

	// Shared, sorted time enumeration.
	periodSet := map[string]bool{}
	for _, s := range series {
		for _, o := range s.Observations {
			periodSet[o.Period] = true
		}
	}
	periods := make([]string, 0, len(periodSet))
	for p := range periodSet {
		periods = append(periods, p)
	}
	sort.Strings(periods)
	periodIdx := make(map[string]int, len(periods))
	timeValues := make([]value, len(periods))
	for i, p := range periods {
		periodIdx[p] = i
		timeValues[i] = value{ID: p, Name: p}
	}

	seriesMap := map[string]any{}
	for _, s := range series {
		parts := strings.Split(s.DimensionKey, ".")
		tuple := make([]string, width)
		for i := 0; i < width; i++ {
			id := ""
			if i < len(parts) {
				id = parts[i]
			}
			tuple[i] = strconv.Itoa(dims[i].index(value{ID: id, Name: id}))
		}

		attrs := []any{nil, nil}
		if s.Title != "" {
			attrs[0] = titles.index(value{Name: s.Title})
		}
		if s.Unit != "" {
			attrs[1] = units.index(value{ID: s.Unit, Name: s.Unit})
		}

		obs := map[string][]any{}
		for _, o := range s.Observations {
			var v any
			if o.Value != nil {
				v = *o.Value
			}
			var st any
			if o.Status != "" {
				st = statuses.index(value{ID: o.Status})
			}
			obs[strconv.Itoa(periodIdx[o.Period])] = []any{v, st}
		}

		seriesMap[strings.Join(tuple, ":")] = map[string]any{
			"attributes":   attrs,
			"observations": obs,
		}
	}

	seriesDims := make([]component, width)
	for i := range seriesDims {
		pos := i
		id := "DIM" + strconv.Itoa(i)
		if i == 0 {
			id = "FREQ"
		}
		seriesDims[i] = component{ID: id, KeyPosition: &pos, Values: nonNil(dims[i].values)}
	}

	msg := map[string]any{
		"header": map[string]any{"id": "mock", "test": true},
		"dataSets": []any{map[string]any{
			"action": "Replace",
			"series": seriesMap,
		}},
		"structure": map[string]any{
			"dimensions": map[string]any{
				"series": seriesDims,
				"observation": []component{{
					ID:     "TIME_PERIOD",
					Name:   "Time period or range",
					Role:   "time",
					Values: nonNil(timeValues),
				}},
			},
			"attributes": map[string]any{
				"series": []component{
					{ID: "TITLE", Name: "Title", Values: nonNil(titles.values)},
					{ID: "UNIT", Name: "Unit", Values: nonNil(units.values)},
				},
				"observation": []component{
					{ID: "OBS_STATUS", Name: "Observation status", Values: nonNil(statuses.values)},
				},
			},
		},
	}

	b, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func nonNil(v []value) []value {
	if v == nil {
		return []value{}
	}
	return v
}
