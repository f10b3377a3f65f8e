package store

import (
	"testing"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

func TestRedisKeys(t *testing.T) {
	tests := []struct {
		name string
		keys RedisKeys
		got  func(RedisKeys) string
		want string
	}{
		{"descriptor", RedisKeys{}, func(k RedisKeys) string { return k.Descriptor("EUR_USD_DAILY") }, "ecb:desc:EUR_USD_DAILY"},
		{"observations", RedisKeys{}, func(k RedisKeys) string { return k.Observations("EUR_USD_DAILY") }, "ecb:obs:EUR_USD_DAILY"},
		{"index", RedisKeys{Namespace: "x"}, func(k RedisKeys) string { return k.Index("EXR.D.USD.EUR.SP00.A") }, "x:idx:EXR.D.USD.EUR.SP00.A"},
		{"descriptors", RedisKeys{}, func(k RedisKeys) string { return k.Descriptors() }, "ecb:descriptors"},
		{"archive", RedisKeys{}, func(k RedisKeys) string { return k.Archive("raw-1") }, "ecb:raw:raw-1"},
		{"fetches", RedisKeys{}, func(k RedisKeys) string { return k.Fetches() }, "ecb:fetches"},
		{"last success", RedisKeys{Namespace: "x"}, func(k RedisKeys) string { return k.LastSuccess() }, "x:last_success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got(tt.keys); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBadgerKeys(t *testing.T) {
	key := series.Key("EUR_USD_DAILY")
	raw := badgerObservationKey(key, "2024-01-02")

	if string(raw) != "o/EUR_USD_DAILY/2024-01-02" {
		t.Errorf("badgerObservationKey() = %q", raw)
	}
	if p := periodFromBadgerKey(key, raw); p != "2024-01-02" {
		t.Errorf("periodFromBadgerKey() = %q, want 2024-01-02", p)
	}

	older := badgerFetchLogKey(FetchRecord{ID: "a", FetchedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	newer := badgerFetchLogKey(FetchRecord{ID: "b", FetchedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)})
	if string(newer) >= string(older) {
		t.Errorf("fetch log keys %q and %q do not sort newest first", newer, older)
	}
}

func TestCompressor_RoundTrip(t *testing.T) {
	c, err := NewCompressor(3)
	if err != nil {
		t.Fatalf("NewCompressor() error = %v", err)
	}
	defer c.Close()

	data := []byte(`{"dataSets":[{"series":{"0:0:0:0:0":{"observations":{}}}}]}`)
	out, err := c.Decompress(c.Compress(data))
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if string(out) != string(data) {
		t.Errorf("round trip = %q, want %q", out, data)
	}
}
