package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/ecb-series-client/internal/testutil"
	"github.com/Sternrassler/ecb-series-client/pkg/client"
	"github.com/Sternrassler/ecb-series-client/pkg/ratelimit"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/Sternrassler/ecb-series-client/pkg/store"
)

const eurUSDPath = "/EXR/D.USD.EUR.SP00.A"

// newPipeline wires a real client against the mock upstream and an
// in-memory Badger store.
func newPipeline(t *testing.T, mock *testutil.MockUpstream) (*Coordinator, *store.BadgerStore) {
	t.Helper()

	badgerCfg := store.DefaultBadgerConfig()
	badgerCfg.InMemory = true
	st, err := store.OpenBadger(badgerCfg)
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	limiter, err := ratelimit.New(ratelimit.Config{MaxRequests: 100, Window: time.Minute})
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	clientCfg := client.DefaultConfig(limiter, "ecb-series-client-test/1.0")
	clientCfg.BaseURL = mock.URL()
	clientCfg.Retry.InitialBackoff = 5 * time.Millisecond
	clientCfg.Retry.MaxBackoff = 20 * time.Millisecond
	clientCfg.Archive = st
	upstream, err := client.New(clientCfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	c, err := New(st, upstream, series.DefaultCatalog(), DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, st
}

func recentWindow() series.Window {
	return series.LastDays(time.Now(), 30)
}

func recentPayload(t *testing.T, days int) string {
	t.Helper()

	var obs []testutil.Obs
	today := time.Now().UTC()
	for i := days; i > 0; i-- {
		p, err := series.FormatPeriod(today.AddDate(0, 0, -i), series.FrequencyDaily)
		if err != nil {
			t.Fatalf("FormatPeriod() error = %v", err)
		}
		obs = append(obs, testutil.O(string(p), 1.08+float64(i)/1000, "A"))
	}
	return testutil.SDMXPayload(testutil.Series{
		DimensionKey: "D.USD.EUR.SP00.A",
		Title:        "US dollar/Euro",
		Unit:         "USD",
		Observations: obs,
	})
}

func TestPipeline_FetchMergeServe(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewSeriesResponse(recentPayload(t, 5)))

	c, _ := newPipeline(t, mock)
	ctx := context.Background()

	result, err := c.GetSeries(ctx, eurUSD, recentWindow(), false)
	if err != nil {
		t.Fatalf("GetSeries() error = %v", err)
	}
	if len(result.Observations) != 5 {
		t.Errorf("Observations = %d, want 5", len(result.Observations))
	}
	if result.Descriptor.Label != "US dollar/Euro" || result.Descriptor.Unit != "USD" {
		t.Errorf("Descriptor = %+v", result.Descriptor)
	}

	// The request carries the lookback window, not just the requested one.
	lookback := series.LastDays(time.Now(), DefaultConfig().SyncLookbackDays)
	if got := mock.LastQuery("startPeriod"); got != lookback.StartParam() {
		t.Errorf("startPeriod = %s, want %s", got, lookback.StartParam())
	}

	// Served from the store without another request.
	if _, err := c.GetSeries(ctx, eurUSD, recentWindow(), false); err != nil {
		t.Fatalf("GetSeries() error = %v", err)
	}
	if n := mock.GetPathCount(eurUSDPath); n != 1 {
		t.Errorf("upstream requests = %d, want 1", n)
	}
}

func TestPipeline_SingleFlightOneRequest(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	resp := testutil.NewSeriesResponse(recentPayload(t, 3))
	resp.Delay = 100 * time.Millisecond
	mock.SetResponse(eurUSDPath, resp)

	c, _ := newPipeline(t, mock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetSeries(context.Background(), eurUSD, recentWindow(), false); err != nil {
				t.Errorf("GetSeries() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := mock.GetPathCount(eurUSDPath); n != 1 {
		t.Errorf("upstream requests = %d, want 1", n)
	}
}

func TestPipeline_NotFoundIsNoData(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewNotFoundResponse())

	c, _ := newPipeline(t, mock)

	_, err := c.GetSeries(context.Background(), eurUSD, recentWindow(), false)
	if !errors.Is(err, ErrNoData) || !errors.Is(err, client.ErrSeriesNotFound) {
		t.Errorf("GetSeries() error = %v, want ErrNoData wrapping ErrSeriesNotFound", err)
	}
	if n := mock.GetPathCount(eurUSDPath); n != 1 {
		t.Errorf("upstream requests = %d, want 1 (not retried)", n)
	}
}

func TestPipeline_MalformedPayloadArchived(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(eurUSDPath, testutil.NewSeriesResponse(`{"dataSets":[{"series":{}}]}`))

	c, st := newPipeline(t, mock)
	ctx := context.Background()

	_, err := c.GetSeries(ctx, eurUSD, recentWindow(), false)
	if !errors.Is(err, client.ErrMalformedResponse) {
		t.Fatalf("GetSeries() error = %v, want ErrMalformedResponse", err)
	}

	var upstreamErr *client.UpstreamError
	if !errors.As(err, &upstreamErr) || upstreamErr.PayloadRef == "" {
		t.Fatalf("error %v carries no payload reference", err)
	}

	archived, err := st.LoadPayload(ctx, upstreamErr.PayloadRef)
	if err != nil {
		t.Fatalf("LoadPayload() error = %v", err)
	}
	if string(archived.Payload) != `{"dataSets":[{"series":{}}]}` {
		t.Errorf("archived payload = %q", archived.Payload)
	}
}

func TestPipeline_StaleServedWhenUpstreamFails(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence(eurUSDPath,
		testutil.NewSeriesResponse(recentPayload(t, 4)),
		testutil.NewServerErrorResponse(),
	)

	c, _ := newPipeline(t, mock)
	ctx := context.Background()

	if _, err := c.GetSeries(ctx, eurUSD, recentWindow(), false); err != nil {
		t.Fatalf("GetSeries() error = %v", err)
	}

	result, err := c.GetSeries(ctx, eurUSD, recentWindow(), true)
	if err != nil {
		t.Fatalf("forced GetSeries() error = %v", err)
	}
	if !errors.Is(result.Warning, client.ErrRetryExhausted) {
		t.Errorf("Warning = %v, want ErrRetryExhausted", result.Warning)
	}
	if !result.IsStale || len(result.Observations) != 4 {
		t.Errorf("IsStale = %v, Observations = %d, want stale 4", result.IsStale, len(result.Observations))
	}
	// One success plus the configured attempts of the failing refresh.
	if n := mock.GetPathCount(eurUSDPath); n != 1+client.DefaultRetryConfig().MaxAttempts {
		t.Errorf("upstream requests = %d, want %d", n, 1+client.DefaultRetryConfig().MaxAttempts)
	}
}
