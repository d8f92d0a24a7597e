package cache

import (
	"context"
	"time"
)

// MapCache is a map whose entries carry their own time-to-live, backed by a
// shared store without native per-entry expiry.
// All methods are safe for concurrent use and make one store round trip each
// (GetOrLoad may make more); no entries are cached in process.
//
// A ttl of 0 means the entry never expires; a negative ttl is ErrInvalidArgument.
// Entries past their expiry are never returned, even before they are swept.
type MapCache[K comparable, V any] interface {
	// Put stores k→v, replacing any previous value and expiry.
	// It returns the displaced value if there was a live one.
	Put(ctx context.Context, k K, v V, ttl time.Duration) (prev V, ok bool, err error)

	// PutIfAbsent stores k→v only if k has no live value. If it has one, the
	// store is left untouched and that value is returned with ok=true.
	// An expired value counts as absent and is overwritten.
	PutIfAbsent(ctx context.Context, k K, v V, ttl time.Duration) (existing V, ok bool, err error)

	// Get returns the live value for k. An expired entry reads as a miss and
	// is queued for asynchronous removal.
	Get(ctx context.Context, k K) (V, bool, error)

	// Size returns the number of entries the store holds for this map.
	// It may count expired entries not swept yet: treat it as an upper bound.
	Size(ctx context.Context) (int, error)

	// Remove deletes k and returns its value if it was live.
	Remove(ctx context.Context, k K) (prev V, ok bool, err error)

	// ContainsKey reports whether k has a live value.
	ContainsKey(ctx context.Context, k K) (bool, error)

	// RemainingTTL returns how long k stays live; 0 with ok=true means no expiry.
	RemainingTTL(ctx context.Context, k K) (time.Duration, bool, error)

	// GetOrLoad returns the value for k, loading it via Options.Loader on miss
	// and storing it with ttl (PutIfAbsent semantics: a concurrent writer wins).
	// Concurrent loads for the same key in this process are coalesced.
	GetOrLoad(ctx context.Context, k K, ttl time.Duration) (V, error)

	// PurgeExpired removes up to limit expired entries in one atomic step.
	PurgeExpired(ctx context.Context, limit int) (int, error)

	// Clear removes every entry of the map.
	Clear(ctx context.Context) error

	Name() string
	Stats() Stats

	// Close stops background work owned by this instance. Idempotent.
	Close() error
}
