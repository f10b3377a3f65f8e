package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/cache"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	keys  []series.Key
}

func (f *fakeRefresher) RefreshAll(_ context.Context, keys []series.Key, _ bool) []cache.RefreshOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = keys

	return []cache.RefreshOutcome{
		{Key: "EUR_USD_DAILY", Refreshed: true},
		{Key: "EUR_GBP_DAILY", Skipped: true},
		{Key: "ECB_MAIN_RATE", Err: errors.New("upstream down")},
	}
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Config{Interval: time.Minute}); err == nil {
		t.Error("New() without refresher should fail")
	}
	if _, err := New(&fakeRefresher{}, Config{}); err == nil {
		t.Error("New() without interval should fail")
	}
}

func TestRunNow_RecordsSummary(t *testing.T) {
	f := &fakeRefresher{}
	keys := []series.Key{"EUR_USD_DAILY"}
	s, err := New(f, Config{Interval: time.Hour, Keys: keys})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s.RunNow()

	if f.Calls() != 1 {
		t.Errorf("RefreshAll calls = %d, want 1", f.Calls())
	}
	if len(f.keys) != 1 || f.keys[0] != keys[0] {
		t.Errorf("RefreshAll keys = %v, want %v", f.keys, keys)
	}

	at, summary := s.LastRun()
	if at.IsZero() {
		t.Error("LastRun() time is zero")
	}
	want := cache.RefreshSummary{Total: 3, Refreshed: 1, Skipped: 1, Failed: 1}
	if summary != want {
		t.Errorf("LastRun() summary = %+v, want %+v", summary, want)
	}
}

func TestStart_RunsImmediately(t *testing.T) {
	f := &fakeRefresher{}
	s, err := New(f, Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for f.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled refresh did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
