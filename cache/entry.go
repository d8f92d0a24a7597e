package cache

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Store layout for a map named N:
//
//	mapcache:{N}      hash        field = encoded key, value = record
//	mapcache:{N}:ttl  sorted set  member = encoded key, score = expiresAt (unix ms)
//
// The braces make both keys hash to the same store slot. A record with
// ttl > 0 always has exactly one index member scored createdAt+ttl; a record
// with ttl == 0 has none. Both are written and removed by the same operation.
const keyPrefix = "mapcache:"

func hashKey(name string) string  { return keyPrefix + "{" + name + "}" }
func indexKey(name string) string { return keyPrefix + "{" + name + "}:ttl" }

// ValidateName reports whether name can be used as a map name. Names must be
// non-empty and free of braces, which would break the shared hash tag.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "{}") {
		return fmt.Errorf("%w: map name %q", ErrInvalidArgument, name)
	}
	return nil
}

const recordVersion byte = 1

// record is the flat form of an entry: value payload plus write metadata.
type record struct {
	createdAt int64 // unix ms of the last write
	ttl       int64 // ms; 0 = never expires
	payload   []byte
}

func (r record) expiresAt() (int64, bool) {
	if r.ttl == 0 {
		return 0, false
	}
	return r.createdAt + r.ttl, true
}

// encode frames r as: version | varint createdAt | uvarint ttl | payload.
func (r record) encode() []byte {
	b := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(r.payload))
	b = append(b, recordVersion)
	b = binary.AppendVarint(b, r.createdAt)
	b = binary.AppendUvarint(b, uint64(r.ttl))
	return append(b, r.payload...)
}

func decodeRecord(b []byte) (record, error) {
	if len(b) == 0 || b[0] != recordVersion {
		return record{}, fmt.Errorf("%w: bad version", ErrCorruptRecord)
	}
	b = b[1:]
	created, n := binary.Varint(b)
	if n <= 0 {
		return record{}, fmt.Errorf("%w: createdAt", ErrCorruptRecord)
	}
	b = b[n:]
	ttl, n := binary.Uvarint(b)
	if n <= 0 || ttl > 1<<62 {
		return record{}, fmt.Errorf("%w: ttl", ErrCorruptRecord)
	}
	return record{createdAt: created, ttl: int64(ttl), payload: b[n:]}, nil
}

// live is the one liveness rule shared by reads, writes and sweeps:
// an entry is visible iff it never expires or its expiry is strictly after now.
func live(expiresAt int64, hasExpiry bool, now int64) bool {
	return !hasExpiry || expiresAt > now
}

// ttlMillis converts a TTL to whole milliseconds. Negative is rejected,
// zero means no expiry and positive sub-millisecond values round up to 1ms.
func ttlMillis(ttl time.Duration) (int64, error) {
	switch {
	case ttl < 0:
		return 0, fmt.Errorf("%w: negative ttl %v", ErrInvalidArgument, ttl)
	case ttl == 0:
		return 0, nil
	}
	ms := int64(ttl / time.Millisecond)
	if ttl%time.Millisecond != 0 {
		ms++
	}
	return ms, nil
}
