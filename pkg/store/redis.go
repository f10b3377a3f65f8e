package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendRedis = "redis"

// ErrTxConflict is returned when a merge keeps losing its optimistic lock.
var ErrTxConflict = errors.New("redis merge transaction conflict")

// RedisConfig holds the Redis backend configuration.
type RedisConfig struct {
	// Namespace prefixes every key (default "ecb").
	Namespace string

	// MaxTxRetries bounds optimistic-lock retries of a merge.
	MaxTxRetries int

	// ArchiveTTL expires archived payloads (0 keeps them forever).
	ArchiveTTL time.Duration

	// Logger for store events (defaults to the global logger).
	Logger *zerolog.Logger
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Namespace:    "ecb",
		MaxTxRetries: 5,
		ArchiveTTL:   7 * 24 * time.Hour,
	}
}

// RedisStore is a SeriesStore on Redis. Observations live in a hash per series
// with a sorted set as period index; merges run in WATCH/MULTI transactions.
// The store owns the client and closes it on Close.
type RedisStore struct {
	redis      *redis.Client
	keys       RedisKeys
	cfg        RedisConfig
	compressor *Compressor
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(redisClient *redis.Client, cfg RedisConfig) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = DefaultRedisConfig().MaxTxRetries
	}

	compressor, err := NewCompressor(2)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "redis-store").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &RedisStore{
		redis:      redisClient,
		keys:       RedisKeys{Namespace: cfg.Namespace},
		cfg:        cfg,
		compressor: compressor,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Get implements SeriesStore.
func (s *RedisStore) Get(ctx context.Context, key series.Key) (*series.Descriptor, error) {
	data, err := s.redis.Get(ctx, s.keys.Descriptor(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			recordOp(backendRedis, "get", nil)
			return nil, ErrNotFound
		}
		recordOp(backendRedis, "get", err)
		return nil, fmt.Errorf("redis get: %w", err)
	}
	recordOp(backendRedis, "get", nil)

	var d series.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: descriptor %s: %v", ErrCorrupt, key, err)
	}
	return &d, nil
}

// Put implements SeriesStore.
func (s *RedisStore) Put(ctx context.Context, d *series.Descriptor) error {
	if d == nil {
		return fmt.Errorf("descriptor cannot be nil")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.Descriptor(d.Key), data, 0)
		pipe.SAdd(ctx, s.keys.Descriptors(), string(d.Key))
		return nil
	})
	recordOp(backendRedis, "put", err)
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// ListObservations implements SeriesStore. The hash is read with a single
// HGETALL, so a merge committing concurrently is seen entirely or not at all.
func (s *RedisStore) ListObservations(ctx context.Context, key series.Key, window series.Window) ([]series.Observation, error) {
	fields, err := s.redis.HGetAll(ctx, s.keys.Observations(key)).Result()
	recordOp(backendRedis, "list", err)
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	out := make([]series.Observation, 0, len(fields))
	for field, raw := range fields {
		period := series.Period(field)
		if !window.Contains(period) {
			continue
		}
		v, _, err := decodeRedisObservation(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: observation %s/%s: %v", ErrCorrupt, key, field, err)
		}
		out = append(out, v.observation(key, period))
	}

	series.SortObservations(out)
	return out, nil
}

// MergeObservations implements SeriesStore.
func (s *RedisStore) MergeObservations(ctx context.Context, key series.Key, batch []series.Observation) (series.MergeStats, error) {
	if err := series.ValidateBatch(key, batch); err != nil {
		recordOp(backendRedis, "merge", err)
		return series.MergeStats{}, err
	}
	if len(batch) == 0 {
		return series.MergeStats{}, nil
	}

	obsKey := s.keys.Observations(key)
	idxKey := s.keys.Index(key)

	fields := make([]string, len(batch))
	for i, o := range batch {
		fields[i] = string(o.Period)
	}

	var stats series.MergeStats
	txf := func(tx *redis.Tx) error {
		stats = series.MergeStats{}

		current, err := tx.HMGet(ctx, obsKey, fields...).Result()
		if err != nil {
			return err
		}

		writes := make([]interface{}, 0, 2*len(batch))
		members := make([]redis.Z, 0, len(batch))
		for i, o := range batch {
			var existing *series.Observation
			v, ok, err := decodeRedisObservation(current[i])
			if err != nil {
				return fmt.Errorf("%w: observation %s/%s: %v", ErrCorrupt, key, o.Period, err)
			}
			if ok {
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
			writes = append(writes, string(o.Period), data)
			if action == series.MergeInsert {
				members = append(members, redis.Z{Score: 0, Member: string(o.Period)})
			}
		}

		if len(writes) == 0 {
			return nil
		}

		// Runs only if obsKey has not changed since WATCH.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, obsKey, writes...)
			if len(members) > 0 {
				pipe.ZAdd(ctx, idxKey, members...)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 1; attempt <= s.cfg.MaxTxRetries; attempt++ {
		err = s.redis.Watch(ctx, txf, obsKey)
		if err != redis.TxFailedErr {
			break
		}
		s.logger.Debug().
			Str("series_key", key.String()).
			Int("attempt", attempt).
			Msg("Merge transaction conflict, retrying")
	}
	if err == redis.TxFailedErr {
		err = ErrTxConflict
	}

	recordOp(backendRedis, "merge", err)
	if err != nil {
		return series.MergeStats{}, fmt.Errorf("redis merge: %w", err)
	}
	recordMerge(backendRedis, stats)
	return stats, nil
}

// ListDescriptors implements SeriesStore.
func (s *RedisStore) ListDescriptors(ctx context.Context) ([]*series.Descriptor, error) {
	members, err := s.redis.SMembers(ctx, s.keys.Descriptors()).Result()
	if err != nil {
		recordOp(backendRedis, "list_descriptors", err)
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(members)
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.keys.Descriptor(series.Key(m))
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	recordOp(backendRedis, "list_descriptors", err)
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]*series.Descriptor, 0, len(values))
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var d series.Descriptor
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			return nil, fmt.Errorf("%w: descriptor %s: %v", ErrCorrupt, members[i], err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// lastSuccessMember is the single member of the last-success sorted set. Its
// score is the fetch time in Unix microseconds, raised only with ZADD GT.
const lastSuccessMember = "fetch"

// LogFetch implements SeriesStore. The push, the trim and the last-success
// update run in one MULTI.
func (s *RedisStore) LogFetch(ctx context.Context, rec FetchRecord) error {
	if err := rec.prepare(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fetch record: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.keys.Fetches(), data)
		pipe.LTrim(ctx, s.keys.Fetches(), 0, FetchLogCapacity-1)
		if rec.Status == FetchSuccess {
			pipe.ZAddArgs(ctx, s.keys.LastSuccess(), redis.ZAddArgs{
				GT:      true,
				Members: []redis.Z{{Score: float64(rec.FetchedAt.UnixMicro()), Member: lastSuccessMember}},
			})
		}
		return nil
	})
	recordOp(backendRedis, "log_fetch", err)
	if err != nil {
		return fmt.Errorf("redis log fetch: %w", err)
	}
	return nil
}

// RecentFetches implements SeriesStore.
func (s *RedisStore) RecentFetches(ctx context.Context, limit int) ([]FetchRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	values, err := s.redis.LRange(ctx, s.keys.Fetches(), 0, stop).Result()
	recordOp(backendRedis, "recent_fetches", err)
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	out := make([]FetchRecord, 0, len(values))
	for i, raw := range values {
		var rec FetchRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: fetch record %d: %v", ErrCorrupt, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// LastSuccess implements SeriesStore.
func (s *RedisStore) LastSuccess(ctx context.Context) (time.Time, error) {
	score, err := s.redis.ZScore(ctx, s.keys.LastSuccess(), lastSuccessMember).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis zscore: %w", err)
	}
	return time.UnixMicro(int64(score)).UTC(), nil
}

// Stats implements SeriesStore. The count and both ends of the period index
// are read in one MULTI.
func (s *RedisStore) Stats(ctx context.Context, key series.Key) (SeriesStats, error) {
	idx := s.keys.Index(key)

	var card *redis.IntCmd
	var first, last *redis.StringSliceCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, idx)
		first = pipe.ZRange(ctx, idx, 0, 0)
		last = pipe.ZRange(ctx, idx, -1, -1)
		return nil
	})
	recordOp(backendRedis, "stats", err)
	if err != nil {
		return SeriesStats{}, fmt.Errorf("redis stats: %w", err)
	}

	stats := SeriesStats{Key: key, Observations: int(card.Val())}
	if v := first.Val(); len(v) > 0 {
		stats.FirstPeriod = series.Period(v[0])
	}
	if v := last.Val(); len(v) > 0 {
		stats.LastPeriod = series.Period(v[0])
	}
	return stats, nil
}

// ArchivePayload stores a raw payload compressed and returns its reference.
func (s *RedisStore) ArchivePayload(ctx context.Context, key series.Key, payload []byte) (string, error) {
	ref := newArchiveRef()
	data, err := encodeArchive(s.compressor, key, payload, s.now())
	if err != nil {
		return "", err
	}

	err = s.redis.Set(ctx, s.keys.Archive(ref), data, s.cfg.ArchiveTTL).Err()
	recordOp(backendRedis, "archive", err)
	if err != nil {
		return "", fmt.Errorf("redis set: %w", err)
	}
	ArchivedBytes.WithLabelValues(backendRedis).Add(float64(len(data)))
	return ref, nil
}

// LoadPayload returns an archived payload, or ErrNotFound.
func (s *RedisStore) LoadPayload(ctx context.Context, ref string) (*ArchivedPayload, error) {
	data, err := s.redis.Get(ctx, s.keys.Archive(ref)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeArchive(s.compressor, ref, data)
}

// Close implements SeriesStore.
func (s *RedisStore) Close() error {
	s.compressor.Close()
	return s.redis.Close()
}

// decodeRedisObservation decodes an HMGET slot; ok is false for absent fields.
func decodeRedisObservation(raw interface{}) (storedObservation, bool, error) {
	var v storedObservation
	if raw == nil {
		return v, false, nil
	}
	str, ok := raw.(string)
	if !ok {
		return v, false, fmt.Errorf("unexpected type %T", raw)
	}
	if err := json.Unmarshal([]byte(str), &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}
