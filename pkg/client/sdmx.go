package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

// SDMX-JSON component ids the decoder looks for.
const (
	dimensionFrequency = "FREQ"
	dimensionTime      = "TIME_PERIOD"
	attributeStatus    = "OBS_STATUS"
	attributeTitle     = "TITLE"
	attributeUnit      = "UNIT"
)

// sdmxMessage is the subset of an SDMX-JSON data message the client reads.
type sdmxMessage struct {
	DataSets  []sdmxDataSet  `json:"dataSets"`
	Structure *sdmxStructure `json:"structure"`
}

type sdmxDataSet struct {
	Series map[string]sdmxSeries `json:"series"`
}

// sdmxSeries holds positional series attribute indices and the sparse
// observation map "index" -> [value, attributeIndex...].
type sdmxSeries struct {
	Attributes   []*int                       `json:"attributes"`
	Observations map[string][]json.RawMessage `json:"observations"`
}

type sdmxStructure struct {
	Dimensions struct {
		Series      []sdmxComponent `json:"series"`
		Observation []sdmxComponent `json:"observation"`
	} `json:"dimensions"`
	Attributes struct {
		Series      []sdmxComponent `json:"series"`
		Observation []sdmxComponent `json:"observation"`
	} `json:"attributes"`
}

type sdmxComponent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	KeyPosition *int        `json:"keyPosition"`
	Role        string      `json:"role"`
	Values      []sdmxValue `json:"values"`
}

type sdmxValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// text prefers the human-readable name.
func (v sdmxValue) text() string {
	if v.Name != "" {
		return v.Name
	}
	return v.ID
}

// parsedSeries is one decoded series, before it is bound to a definition.
type parsedSeries struct {
	DimensionKey string
	Frequency    series.Frequency
	Label        string
	Unit         string
	Observations []series.Observation

	// Dropped counts null and missing-status observations.
	Dropped int
}

// malformed builds the error for a schema violation.
func malformed(format string, args ...any) error {
	return &UpstreamError{
		Class:   ErrorClassMalformed,
		Message: fmt.Sprintf(format, args...),
	}
}

// decodeSeries strictly decodes an SDMX-JSON payload and extracts the series
// matching def. Any structural violation yields ErrMalformedResponse.
func decodeSeries(body []byte, def series.Definition) (*parsedSeries, error) {
	var msg sdmxMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &UpstreamError{Class: ErrorClassMalformed, Message: "invalid json", Err: err}
	}
	if msg.Structure == nil {
		return nil, malformed("missing structure block")
	}
	if len(msg.DataSets) == 0 {
		return nil, malformed("missing dataSets")
	}

	st := msg.Structure
	timeDim, err := timeDimension(st.Dimensions.Observation)
	if err != nil {
		return nil, err
	}
	if len(st.Dimensions.Series) == 0 && len(msg.DataSets[0].Series) > 0 {
		return nil, malformed("no series dimensions declared")
	}

	order := dimensionOrder(st.Dimensions.Series)

	// Reconstruct every series' dimension key and pick the requested one.
	var (
		chosen    *sdmxSeries
		chosenKey string
		chosenIdx []int
		fallback  int
	)
	for tuple, s := range msg.DataSets[0].Series {
		idx, err := parseTuple(tuple, st.Dimensions.Series)
		if err != nil {
			return nil, err
		}
		key := reconstructKey(idx, st.Dimensions.Series, order)
		if key == def.DimensionKey {
			chosen, chosenKey, chosenIdx = &s, key, idx
			break
		}
		fallback++
		if fallback == 1 {
			chosen, chosenKey, chosenIdx = &s, key, idx
		}
	}
	if chosen == nil {
		// Data set without series: a valid, empty answer.
		return &parsedSeries{DimensionKey: def.DimensionKey, Frequency: def.Frequency}, nil
	}
	if chosenKey != def.DimensionKey && len(msg.DataSets[0].Series) > 1 {
		return nil, malformed("%d series in payload, none matches %s", len(msg.DataSets[0].Series), def.DimensionKey)
	}

	out := &parsedSeries{
		DimensionKey: chosenKey,
		Frequency:    seriesFrequency(chosenIdx, st.Dimensions.Series, def.Frequency),
	}

	if out.Label, err = seriesAttribute(chosen.Attributes, st.Attributes.Series, attributeTitle); err != nil {
		return nil, err
	}
	if out.Unit, err = seriesAttribute(chosen.Attributes, st.Attributes.Series, attributeUnit); err != nil {
		return nil, err
	}

	statusPos := componentIndex(st.Attributes.Observation, attributeStatus)
	seen := make(map[series.Period]bool, len(chosen.Observations))

	for idxStr, raw := range chosen.Observations {
		i, err := strconv.Atoi(idxStr)
		if err != nil || i < 0 {
			return nil, malformed("observation index %q is not a non-negative integer", idxStr)
		}
		period, err := periodAt(timeDim, i, out.Frequency)
		if err != nil {
			return nil, err
		}
		if seen[period] {
			return nil, malformed("duplicate period %s", period)
		}
		seen[period] = true

		if len(raw) == 0 {
			return nil, malformed("observation %d has no value slot", i)
		}
		value, present, err := decodeValue(raw[0])
		if err != nil {
			return nil, malformed("observation %d: %v", i, err)
		}

		status := series.StatusNormal
		if statusPos >= 0 && statusPos+1 < len(raw) {
			code, err := attributeValue(raw[statusPos+1], st.Attributes.Observation[statusPos])
			if err != nil {
				return nil, malformed("observation %d: %v", i, err)
			}
			if code != "" {
				status = series.Status(code)
			}
		}

		if !present || status == series.StatusMissing {
			out.Dropped++
			continue
		}

		out.Observations = append(out.Observations, series.Observation{
			SeriesKey: def.Key,
			Period:    period,
			Value:     value,
			Status:    status,
		})
	}

	series.SortObservations(out.Observations)
	return out, nil
}

// timeDimension finds the observation-level time dimension.
func timeDimension(dims []sdmxComponent) (sdmxComponent, error) {
	for _, d := range dims {
		if d.ID == dimensionTime || d.Role == "time" {
			return d, nil
		}
	}
	if len(dims) == 1 {
		return dims[0], nil
	}
	return sdmxComponent{}, malformed("no %s observation dimension", dimensionTime)
}

// dimensionOrder returns the series dimension indices sorted by keyPosition,
// or in declared order when positions are absent.
func dimensionOrder(dims []sdmxComponent) []int {
	order := make([]int, len(dims))
	for i := range order {
		order[i] = i
	}
	for _, d := range dims {
		if d.KeyPosition == nil {
			return order
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return *dims[order[a]].KeyPosition < *dims[order[b]].KeyPosition
	})
	return order
}

// parseTuple splits a "0:1:0" series key into bounds-checked value indices.
func parseTuple(tuple string, dims []sdmxComponent) ([]int, error) {
	parts := strings.Split(tuple, ":")
	if len(parts) != len(dims) {
		return nil, malformed("series key %q has %d positions, structure declares %d", tuple, len(parts), len(dims))
	}
	idx := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= len(dims[i].Values) {
			return nil, malformed("series key %q: index %q out of range for dimension %s", tuple, p, dims[i].ID)
		}
		idx[i] = n
	}
	return idx, nil
}

func reconstructKey(idx []int, dims []sdmxComponent, order []int) string {
	parts := make([]string, 0, len(order))
	for _, d := range order {
		parts = append(parts, dims[d].Values[idx[d]].ID)
	}
	return strings.Join(parts, ".")
}

// seriesFrequency reads FREQ from the series dimensions, falling back to def.
func seriesFrequency(idx []int, dims []sdmxComponent, fallback series.Frequency) series.Frequency {
	if pos := componentIndex(dims, dimensionFrequency); pos >= 0 {
		if f := series.ParseFrequency(dims[pos].Values[idx[pos]].ID); f != series.FrequencyOther {
			return f
		}
	}
	return fallback
}

func componentIndex(components []sdmxComponent, id string) int {
	for i, c := range components {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// seriesAttribute resolves a series-level attribute through the series'
// positional attribute indices. A component with a single value applies to
// every series even without an index.
func seriesAttribute(positions []*int, components []sdmxComponent, id string) (string, error) {
	pos := componentIndex(components, id)
	if pos < 0 {
		return "", nil
	}
	values := components[pos].Values

	if pos < len(positions) && positions[pos] != nil {
		i := *positions[pos]
		if i < 0 || i >= len(values) {
			return "", malformed("series attribute %s index %d out of range", id, i)
		}
		return values[i].text(), nil
	}
	if len(values) == 1 {
		return values[0].text(), nil
	}
	return "", nil
}

// periodAt resolves observation index i to its period. Entries without an id
// are reconstructed from the first declared period stepped by frequency.
func periodAt(dim sdmxComponent, i int, freq series.Frequency) (series.Period, error) {
	if i >= len(dim.Values) {
		return "", malformed("observation index %d out of range (%d periods declared)", i, len(dim.Values))
	}
	if id := dim.Values[i].ID; id != "" {
		p := series.Period(id)
		if _, err := series.ParsePeriod(p); err != nil {
			return "", malformed("observation %d: %v", i, err)
		}
		return p, nil
	}

	first := series.Period(dim.Values[0].ID)
	if first == "" {
		return "", malformed("observation %d has no period and no starting period is declared", i)
	}
	p, err := first.Advance(freq, i)
	if err != nil {
		return "", malformed("observation %d: cannot reconstruct period: %v", i, err)
	}
	return p, nil
}

// decodeValue reads an observation value. present is false for null.
func decodeValue(raw json.RawMessage) (value float64, present bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	if raw[0] == '"' {
		// Some producers quote numbers; an empty string means no value.
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, err
		}
		if s == "" || s == "NaN" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("value %q is not numeric", s)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, false, fmt.Errorf("value %q is not finite", s)
		}
		return v, true, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false, fmt.Errorf("value %s is not numeric", raw)
	}
	return value, true, nil
}

// attributeValue resolves an observation attribute index to its code.
func attributeValue(raw json.RawMessage, component sdmxComponent) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var i int
	if err := json.Unmarshal(raw, &i); err != nil {
		return "", fmt.Errorf("attribute %s index %s is not an integer", component.ID, raw)
	}
	if i < 0 || i >= len(component.Values) {
		return "", fmt.Errorf("attribute %s index %d out of range", component.ID, i)
	}
	return component.Values[i].ID, nil
}
