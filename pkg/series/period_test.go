package series

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name      string
		period    Period
		start     time.Time
		end       time.Time
		frequency Frequency
	}{
		{"daily", "2024-01-15", date(2024, 1, 15), date(2024, 1, 15), FrequencyDaily},
		{"monthly", "2024-02", date(2024, 2, 1), date(2024, 2, 29), FrequencyMonthly},
		{"quarterly", "2024-Q3", date(2024, 7, 1), date(2024, 9, 30), FrequencyQuarterly},
		{"half year", "2023-S2", date(2023, 7, 1), date(2023, 12, 31), FrequencyHalfYear},
		{"weekly", "2024-W01", date(2024, 1, 1), date(2024, 1, 7), FrequencyWeekly},
		{"weekly across year", "2021-W01", date(2021, 1, 4), date(2021, 1, 10), FrequencyWeekly},
		{"annual", "2022", date(2022, 1, 1), date(2022, 12, 31), FrequencyAnnual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span, err := ParsePeriod(tt.period)
			if err != nil {
				t.Fatalf("ParsePeriod(%q) error = %v", tt.period, err)
			}
			if !span.Start.Equal(tt.start) {
				t.Errorf("Start = %v, want %v", span.Start, tt.start)
			}
			if !span.End.Equal(tt.end) {
				t.Errorf("End = %v, want %v", span.End, tt.end)
			}
			if span.Frequency != tt.frequency {
				t.Errorf("Frequency = %q, want %q", span.Frequency, tt.frequency)
			}
		})
	}
}

func TestParsePeriod_Invalid(t *testing.T) {
	for _, p := range []Period{"", "20240115", "2024-13", "2024-Q5", "2024-S3", "2024-W54", "24", "2024-1-1"} {
		if _, err := ParsePeriod(p); !errors.Is(err, ErrInvalidPeriod) {
			t.Errorf("ParsePeriod(%q) error = %v, want ErrInvalidPeriod", p, err)
		}
	}
}

func TestPeriod_Advance(t *testing.T) {
	tests := []struct {
		period    Period
		frequency Frequency
		n         int
		want      Period
	}{
		{"2024-02-28", FrequencyDaily, 2, "2024-03-01"},
		{"2024-01", FrequencyMonthly, 13, "2025-02"},
		{"2024-Q4", FrequencyQuarterly, 1, "2025-Q1"},
		{"2024-S1", FrequencyHalfYear, 1, "2024-S2"},
		{"2024-W52", FrequencyWeekly, 1, "2025-W01"},
		{"2020", FrequencyAnnual, -2, "2018"},
	}

	for _, tt := range tests {
		got, err := tt.period.Advance(tt.frequency, tt.n)
		if err != nil {
			t.Errorf("Advance(%q, %q, %d) error = %v", tt.period, tt.frequency, tt.n, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Advance(%q, %q, %d) = %q, want %q", tt.period, tt.frequency, tt.n, got, tt.want)
		}
	}

	if _, err := Period("2024-01-01").Advance(FrequencyOther, 1); err == nil {
		t.Error("Advance with FrequencyOther should fail")
	}
}

func TestFrequencyFromDimensionKey(t *testing.T) {
	tests := map[string]Frequency{
		"D.USD.EUR.SP00.A":    FrequencyDaily,
		"M.U2.N.000000.4.ANR": FrequencyMonthly,
		"Q.U2.X":              FrequencyQuarterly,
		"D+M.USD.EUR.SP00.A":  FrequencyOther,
		".USD.EUR.SP00.A":     FrequencyOther,
		"B.X":                 FrequencyOther,
	}
	for key, want := range tests {
		if got := FrequencyFromDimensionKey(key); got != want {
			t.Errorf("FrequencyFromDimensionKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestComparePeriods(t *testing.T) {
	obs := []Observation{
		{Period: "2024-W02"},
		{Period: "bogus"},
		{Period: "2024-01-03"},
		{Period: "2023-12-29"},
	}
	SortObservations(obs)

	want := []Period{"2023-12-29", "2024-01-03", "2024-W02", "bogus"}
	for i, p := range want {
		if obs[i].Period != p {
			t.Errorf("obs[%d].Period = %q, want %q", i, obs[i].Period, p)
		}
	}
}
