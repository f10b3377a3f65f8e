package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendBadger = "badger"

// maxConflictRetries bounds how often a merge is retried after a transaction conflict.
const maxConflictRetries = 3

// BadgerConfig holds the Badger backend configuration.
type BadgerConfig struct {
	// Path of the database directory (ignored when InMemory).
	Path string

	// InMemory keeps everything in memory (tests, ephemeral runs).
	InMemory bool

	// CompressionLevel of archived payloads (1-4).
	CompressionLevel int

	// ArchiveTTL expires archived payloads (0 keeps them forever).
	ArchiveTTL time.Duration

	// Logger for store events (defaults to the global logger).
	Logger *zerolog.Logger
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		Path:             "./data/badger",
		CompressionLevel: 3,
		ArchiveTTL:       30 * 24 * time.Hour,
	}
}

// BadgerStore is a durable SeriesStore on BadgerDB. Each merge batch is one
// read-write transaction, so it commits entirely or not at all.
type BadgerStore struct {
	db         *badger.DB
	compressor *Compressor
	cfg        BadgerConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// OpenBadger opens (or creates) a Badger store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	logger := log.With().Str("component", "badger-store").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	logger.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Msg("Badger store opened")

	return &BadgerStore{
		db:         db,
		compressor: compressor,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Get implements SeriesStore.
func (s *BadgerStore) Get(_ context.Context, key series.Key) (*series.Descriptor, error) {
	var d series.Descriptor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerDescriptorKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		recordOp(backendBadger, "get", nil)
		return nil, ErrNotFound
	}
	recordOp(backendBadger, "get", err)
	if err != nil {
		return nil, s.wrap("get", err)
	}
	return &d, nil
}

// Put implements SeriesStore.
func (s *BadgerStore) Put(_ context.Context, d *series.Descriptor) error {
	if d == nil {
		return fmt.Errorf("descriptor cannot be nil")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerDescriptorKey(d.Key), data)
	})
	recordOp(backendBadger, "put", err)
	if err != nil {
		return s.wrap("put", err)
	}
	return nil
}

// ListObservations implements SeriesStore.
func (s *BadgerStore) ListObservations(_ context.Context, key series.Key, window series.Window) ([]series.Observation, error) {
	prefix := badgerObservationPrefixFor(key)

	var out []series.Observation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			period := periodFromBadgerKey(key, item.Key())
			if !window.Contains(period) {
				continue
			}

			var v storedObservation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("%w: observation %s/%s: %v", ErrCorrupt, key, period, err)
			}
			out = append(out, v.observation(key, period))
		}
		return nil
	})
	recordOp(backendBadger, "list", err)
	if err != nil {
		return nil, s.wrap("list", err)
	}

	series.SortObservations(out)
	return out, nil
}

// MergeObservations implements SeriesStore.
func (s *BadgerStore) MergeObservations(_ context.Context, key series.Key, batch []series.Observation) (series.MergeStats, error) {
	if err := series.ValidateBatch(key, batch); err != nil {
		recordOp(backendBadger, "merge", err)
		return series.MergeStats{}, err
	}

	var stats series.MergeStats
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		stats, err = s.mergeOnce(key, batch)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug().
			Str("series_key", key.String()).
			Int("attempt", attempt).
			Msg("Merge transaction conflict, retrying")
	}

	recordOp(backendBadger, "merge", err)
	if err != nil {
		return series.MergeStats{}, s.wrap("merge", err)
	}
	recordMerge(backendBadger, stats)
	return stats, nil
}

func (s *BadgerStore) mergeOnce(key series.Key, batch []series.Observation) (series.MergeStats, error) {
	var stats series.MergeStats
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, o := range batch {
			k := badgerObservationKey(key, o.Period)

			var existing *series.Observation
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				var v storedObservation
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &v)
				}); err != nil {
					return fmt.Errorf("%w: observation %s/%s: %v", ErrCorrupt, key, o.Period, err)
				}
				e := v.observation(key, o.Period)
				existing = &e
			}

			action := series.Decide(existing, o)
			stats.Record(action)
			if action == series.MergeSkip {
				continue
			}

			data, err := json.Marshal(toStored(o))
			if err != nil {
				return fmt.Errorf("marshal observation: %w", err)
			}
			if err := txn.Set(k, data); err != nil {
				return err
			}
		}
		return nil
	})
	return stats, err
}

// ListDescriptors implements SeriesStore.
func (s *BadgerStore) ListDescriptors(_ context.Context) ([]*series.Descriptor, error) {
	prefix := []byte(badgerDescriptorPrefix)

	var out []*series.Descriptor
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d series.Descriptor
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("%w: descriptor %s: %v", ErrCorrupt, it.Item().Key(), err)
			}
			out = append(out, &d)
		}
		return nil
	})
	recordOp(backendBadger, "list_descriptors", err)
	if err != nil {
		return nil, s.wrap("list descriptors", err)
	}
	return out, nil
}

// LogFetch implements SeriesStore. The record and the trim of records beyond
// FetchLogCapacity commit in one transaction.
func (s *BadgerStore) LogFetch(_ context.Context, rec FetchRecord) error {
	if err := rec.prepare(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fetch record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerFetchLogKey(rec), data); err != nil {
			return err
		}
		if rec.Status == FetchSuccess {
			if err := s.advanceLastSuccess(txn, rec.FetchedAt); err != nil {
				return err
			}
		}
		return trimFetchLog(txn)
	})
	recordOp(backendBadger, "log_fetch", err)
	if err != nil {
		return s.wrap("log fetch", err)
	}
	return nil
}

func (s *BadgerStore) advanceLastSuccess(txn *badger.Txn, at time.Time) error {
	item, err := txn.Get([]byte(badgerLastSuccessKey))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		var current time.Time
		if err := item.Value(func(val []byte) error {
			return current.UnmarshalText(val)
		}); err != nil {
			return fmt.Errorf("%w: last success: %v", ErrCorrupt, err)
		}
		if !at.After(current) {
			return nil
		}
	}

	text, err := at.UTC().MarshalText()
	if err != nil {
		return err
	}
	return txn.Set([]byte(badgerLastSuccessKey), text)
}

// trimFetchLog deletes the records beyond FetchLogCapacity.
func trimFetchLog(txn *badger.Txn) error {
	prefix := []byte(badgerFetchLogPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	var stale [][]byte
	it := txn.NewIterator(opts)
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n > FetchLogCapacity {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
	}
	it.Close()

	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// RecentFetches implements SeriesStore.
func (s *BadgerStore) RecentFetches(_ context.Context, limit int) ([]FetchRecord, error) {
	prefix := []byte(badgerFetchLogPrefix)

	var out []FetchRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec FetchRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("%w: fetch record %s: %v", ErrCorrupt, it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	recordOp(backendBadger, "recent_fetches", err)
	if err != nil {
		return nil, s.wrap("recent fetches", err)
	}
	return out, nil
}

// LastSuccess implements SeriesStore.
func (s *BadgerStore) LastSuccess(_ context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerLastSuccessKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return at.UnmarshalText(val)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, s.wrap("last success", err)
	}
	return at, nil
}

// Stats implements SeriesStore. Only keys are read.
func (s *BadgerStore) Stats(_ context.Context, key series.Key) (SeriesStats, error) {
	prefix := badgerObservationPrefixFor(key)
	stats := SeriesStats{Key: key}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			period := periodFromBadgerKey(key, it.Item().Key())
			if stats.Observations == 0 {
				stats.FirstPeriod = period
			}
			stats.LastPeriod = period
			stats.Observations++
		}
		return nil
	})
	recordOp(backendBadger, "stats", err)
	if err != nil {
		return SeriesStats{}, s.wrap("stats", err)
	}
	return stats, nil
}

// ArchivePayload stores a raw payload compressed and returns its reference.
func (s *BadgerStore) ArchivePayload(_ context.Context, key series.Key, payload []byte) (string, error) {
	ref := newArchiveRef()
	data, err := encodeArchive(s.compressor, key, payload, s.now())
	if err != nil {
		return "", err
	}

	entry := badger.NewEntry(badgerArchiveKey(ref), data)
	if s.cfg.ArchiveTTL > 0 {
		entry = entry.WithTTL(s.cfg.ArchiveTTL)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	recordOp(backendBadger, "archive", err)
	if err != nil {
		return "", s.wrap("archive", err)
	}
	ArchivedBytes.WithLabelValues(backendBadger).Add(float64(len(data)))

	s.logger.Debug().
		Str("series_key", key.String()).
		Str("payload_ref", ref).
		Int("raw_bytes", len(payload)).
		Int("stored_bytes", len(data)).
		Msg("Payload archived")

	return ref, nil
}

// LoadPayload returns an archived payload, or ErrNotFound.
func (s *BadgerStore) LoadPayload(_ context.Context, ref string) (*ArchivedPayload, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerArchiveKey(ref))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("load payload", err)
	}
	return decodeArchive(s.compressor, ref, raw)
}

// Close implements SeriesStore.
func (s *BadgerStore) Close() error {
	s.compressor.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func (s *BadgerStore) wrap(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return fmt.Errorf("badger %s: %w", op, err)
}
