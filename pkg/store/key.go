package store

import (
	"fmt"
	"math"
	"strings"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
)

// Badger key layout. Series keys never contain '/', so prefixes are unambiguous.
//
//	d/<series key>            descriptor
//	o/<series key>/<period>   observation
//	raw/<ref>                 archived payload
//	l/<inverted nanos>/<id>   fetch log record, newest first
//	meta/last_success         time of the newest successful fetch
const (
	badgerDescriptorPrefix  = "d/"
	badgerObservationPrefix = "o/"
	badgerArchivePrefix     = "raw/"
	badgerFetchLogPrefix    = "l/"
	badgerLastSuccessKey    = "meta/last_success"
)

func badgerDescriptorKey(key series.Key) []byte {
	return []byte(badgerDescriptorPrefix + string(key))
}

func badgerObservationPrefixFor(key series.Key) []byte {
	return []byte(badgerObservationPrefix + string(key) + "/")
}

func badgerObservationKey(key series.Key, period series.Period) []byte {
	return append(badgerObservationPrefixFor(key), string(period)...)
}

// periodFromBadgerKey extracts the period from an observation key.
func periodFromBadgerKey(key series.Key, raw []byte) series.Period {
	return series.Period(strings.TrimPrefix(string(raw), string(badgerObservationPrefixFor(key))))
}

func badgerArchiveKey(ref string) []byte {
	return []byte(badgerArchivePrefix + ref)
}

// badgerFetchLogKey orders records newest first under forward iteration.
func badgerFetchLogKey(rec FetchRecord) []byte {
	inverted := uint64(math.MaxInt64 - rec.FetchedAt.UnixNano())
	return []byte(fmt.Sprintf("%s%020d/%s", badgerFetchLogPrefix, inverted, rec.ID))
}

// RedisKeys generates the Redis key layout of a namespace.
//
// Format:
//
//	<ns>:desc:<series key>   descriptor JSON
//	<ns>:obs:<series key>    hash period -> observation JSON
//	<ns>:idx:<series key>    sorted set of periods (lexical order)
//	<ns>:descriptors         set of series keys
//	<ns>:raw:<ref>           archived payload
//	<ns>:fetches             list of fetch records, newest first
//	<ns>:last_success        time of the newest successful fetch
//
// Example:
//
//	ecb:obs:EUR_USD_DAILY
type RedisKeys struct {
	Namespace string
}

func (k RedisKeys) join(parts ...string) string {
	ns := k.Namespace
	if ns == "" {
		ns = "ecb"
	}
	return ns + ":" + strings.Join(parts, ":")
}

// Descriptor returns the descriptor key of a series.
func (k RedisKeys) Descriptor(key series.Key) string { return k.join("desc", string(key)) }

// Observations returns the observation hash key of a series.
func (k RedisKeys) Observations(key series.Key) string { return k.join("obs", string(key)) }

// Index returns the period index key of a series.
func (k RedisKeys) Index(key series.Key) string { return k.join("idx", string(key)) }

// Descriptors returns the key of the set of known series.
func (k RedisKeys) Descriptors() string { return k.join("descriptors") }

// Archive returns the key of an archived payload.
func (k RedisKeys) Archive(ref string) string { return k.join("raw", ref) }

// Fetches returns the key of the fetch log.
func (k RedisKeys) Fetches() string { return k.join("fetches") }

// LastSuccess returns the key of the newest successful fetch time.
func (k RedisKeys) LastSuccess() string { return k.join("last_success") }
