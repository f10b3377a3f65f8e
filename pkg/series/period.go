package series

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the sampling frequency of a series, using the upstream FREQ codes.
type Frequency string

const (
	FrequencyDaily     Frequency = "D"
	FrequencyWeekly    Frequency = "W"
	FrequencyMonthly   Frequency = "M"
	FrequencyQuarterly Frequency = "Q"
	FrequencyHalfYear  Frequency = "S"
	FrequencyAnnual    Frequency = "A"

	// FrequencyOther covers codes we store but cannot step through (e.g. "B", "H").
	FrequencyOther Frequency = "O"
)

// ParseFrequency maps an upstream FREQ code to a Frequency.
func ParseFrequency(code string) Frequency {
	switch Frequency(strings.ToUpper(strings.TrimSpace(code))) {
	case FrequencyDaily:
		return FrequencyDaily
	case FrequencyWeekly:
		return FrequencyWeekly
	case FrequencyMonthly:
		return FrequencyMonthly
	case FrequencyQuarterly:
		return FrequencyQuarterly
	case FrequencyHalfYear:
		return FrequencyHalfYear
	case FrequencyAnnual:
		return FrequencyAnnual
	default:
		return FrequencyOther
	}
}

// FrequencyFromDimensionKey reads the frequency from the first component of an
// upstream dimension key ("D.USD.EUR.SP00.A" is daily).
func FrequencyFromDimensionKey(dimensionKey string) Frequency {
	first, _, _ := strings.Cut(dimensionKey, ".")
	if first == "" || strings.Contains(first, "+") {
		return FrequencyOther
	}
	return ParseFrequency(first)
}

// String returns the upstream code.
func (f Frequency) String() string {
	return string(f)
}

// Period is an upstream period label such as "2024-01-15", "2024-01",
// "2024-Q1", "2024-S2", "2024-W05" or "2024".
type Period string

// Span is the calendar range a Period covers, both ends inclusive (UTC dates).
type Span struct {
	Start     time.Time
	End       time.Time
	Frequency Frequency
}

// ParsePeriod resolves a period label into its calendar span.
func ParsePeriod(p Period) (Span, error) {
	s := strings.TrimSpace(string(p))

	switch {
	case len(s) == 10:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		return Span{Start: t, End: t, Frequency: FrequencyDaily}, nil

	case len(s) == 7 && s[4] == '-' && s[5] != 'Q' && s[5] != 'S' && s[5] != 'W':
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		return Span{Start: t, End: t.AddDate(0, 1, -1), Frequency: FrequencyMonthly}, nil

	case len(s) == 7 && s[4] == '-' && s[5] == 'Q':
		year, n, err := splitYearOrdinal(s, 4)
		if err != nil {
			return Span{}, err
		}
		start := time.Date(year, time.Month(3*(n-1)+1), 1, 0, 0, 0, 0, time.UTC)
		return Span{Start: start, End: start.AddDate(0, 3, -1), Frequency: FrequencyQuarterly}, nil

	case len(s) == 7 && s[4] == '-' && s[5] == 'S':
		year, n, err := splitYearOrdinal(s, 2)
		if err != nil {
			return Span{}, err
		}
		start := time.Date(year, time.Month(6*(n-1)+1), 1, 0, 0, 0, 0, time.UTC)
		return Span{Start: start, End: start.AddDate(0, 6, -1), Frequency: FrequencyHalfYear}, nil

	case len(s) == 8 && s[4] == '-' && s[5] == 'W':
		year, err := strconv.Atoi(s[:4])
		if err != nil {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		week, err := strconv.Atoi(s[6:])
		if err != nil || week < 1 || week > 53 {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		start := isoWeekStart(year, week)
		return Span{Start: start, End: start.AddDate(0, 0, 6), Frequency: FrequencyWeekly}, nil

	case len(s) == 4:
		year, err := strconv.Atoi(s)
		if err != nil {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return Span{Start: start, End: start.AddDate(1, 0, -1), Frequency: FrequencyAnnual}, nil
	}

	return Span{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
}

// splitYearOrdinal parses "YYYY-Xn" where n is in [1, max].
func splitYearOrdinal(s string, max int) (int, int, error) {
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	n, err := strconv.Atoi(s[6:])
	if err != nil || n < 1 || n > max {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return year, n, nil
}

// isoWeekStart returns the Monday of ISO week w in year y.
func isoWeekStart(y, w int) time.Time {
	jan4 := time.Date(y, time.January, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	firstMonday := jan4.AddDate(0, 0, 1-weekday)
	return firstMonday.AddDate(0, 0, (w-1)*7)
}

// FormatPeriod renders the period containing t at frequency f.
func FormatPeriod(t time.Time, f Frequency) (Period, error) {
	t = t.UTC()
	switch f {
	case FrequencyDaily:
		return Period(t.Format("2006-01-02")), nil
	case FrequencyWeekly:
		year, week := t.ISOWeek()
		return Period(fmt.Sprintf("%04d-W%02d", year, week)), nil
	case FrequencyMonthly:
		return Period(t.Format("2006-01")), nil
	case FrequencyQuarterly:
		return Period(fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)), nil
	case FrequencyHalfYear:
		return Period(fmt.Sprintf("%04d-S%d", t.Year(), (int(t.Month())-1)/6+1)), nil
	case FrequencyAnnual:
		return Period(fmt.Sprintf("%04d", t.Year())), nil
	default:
		return "", fmt.Errorf("%w: cannot format frequency %q", ErrInvalidPeriod, f)
	}
}

// Advance steps p forward by n units of frequency f. n may be negative.
func (p Period) Advance(f Frequency, n int) (Period, error) {
	span, err := ParsePeriod(p)
	if err != nil {
		return "", err
	}

	start := span.Start
	switch f {
	case FrequencyDaily:
		start = start.AddDate(0, 0, n)
	case FrequencyWeekly:
		start = start.AddDate(0, 0, 7*n)
	case FrequencyMonthly:
		start = start.AddDate(0, n, 0)
	case FrequencyQuarterly:
		start = start.AddDate(0, 3*n, 0)
	case FrequencyHalfYear:
		start = start.AddDate(0, 6*n, 0)
	case FrequencyAnnual:
		start = start.AddDate(n, 0, 0)
	default:
		return "", fmt.Errorf("%w: cannot advance frequency %q", ErrInvalidPeriod, f)
	}

	return FormatPeriod(start, f)
}

// ComparePeriods orders two periods by span start, then by label.
// Unparseable labels sort after parseable ones.
func ComparePeriods(a, b Period) int {
	sa, errA := ParsePeriod(a)
	sb, errB := ParsePeriod(b)

	switch {
	case errA != nil && errB != nil:
		return strings.Compare(string(a), string(b))
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}

	if c := sa.Start.Compare(sb.Start); c != 0 {
		return c
	}
	return strings.Compare(string(a), string(b))
}
