package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/google/uuid"
)

// ArchivedPayload is a raw upstream payload kept for inspection.
type ArchivedPayload struct {
	Ref        string     `json:"ref"`
	SeriesKey  series.Key `json:"series_key"`
	ArchivedAt time.Time  `json:"archived_at"`
	Payload    []byte     `json:"-"`
}

// archiveRecord is the persisted form: metadata plus the compressed payload.
type archiveRecord struct {
	SeriesKey  series.Key `json:"series_key"`
	ArchivedAt time.Time  `json:"archived_at"`
	Size       int        `json:"size"`
	Data       []byte     `json:"data"`
}

// newArchiveRef returns a fresh archive reference.
func newArchiveRef() string {
	return "raw-" + uuid.NewString()
}

func encodeArchive(c *Compressor, key series.Key, payload []byte, now time.Time) ([]byte, error) {
	rec := archiveRecord{
		SeriesKey:  key,
		ArchivedAt: now.UTC(),
		Size:       len(payload),
		Data:       c.Compress(payload),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal archive record: %w", err)
	}
	return b, nil
}

func decodeArchive(c *Compressor, ref string, raw []byte) (*ArchivedPayload, error) {
	var rec archiveRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: archive %s: %v", ErrCorrupt, ref, err)
	}
	payload, err := c.Decompress(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: archive %s: %v", ErrCorrupt, ref, err)
	}
	return &ArchivedPayload{
		Ref:        ref,
		SeriesKey:  rec.SeriesKey,
		ArchivedAt: rec.ArchivedAt,
		Payload:    payload,
	}, nil
}
