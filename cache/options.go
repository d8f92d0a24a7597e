package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/mapcache/eviction"
)

// EvictReason explains why entries were physically removed.
type EvictReason int

const (
	// EvictLazy: removed by the async cleanup queued after an expired read.
	EvictLazy EvictReason = iota
	// EvictSweep: removed by a scheduled batch purge.
	EvictSweep
)

func (r EvictReason) String() string {
	if r == EvictSweep {
		return "sweep"
	}
	return "lazy"
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Expired is a read that found an entry past its expiry (also counted as a Miss).
	Expired()
	Evict(reason EvictReason, n int)
	// Size reports the store's (approximate) entry count whenever Size is called.
	Size(entries int)
	// Sweep fires for every sweep of the map's task, including sweeps run
	// through another client of the same map on a shared scheduler.
	Sweep(removed int, next time.Duration)
	SweepError()
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Cache. Zero values are safe;
// defaults are applied in New():
//   - nil KeyCodec/ValueCodec => raw for string and []byte, JSON otherwise
//   - nil Clock              => time.Now()
//   - nil Metrics            => NoopMetrics
//   - nil Logger             => slog.Default()
//   - nil Scheduler          => a private scheduler built from Eviction
//   - CleanupQueue == 0      => 1024 (< 0 disables lazy cleanup)
type Options[K comparable, V any] struct {
	KeyCodec   Codec[K]
	ValueCodec Codec[V]

	// Loader fetches a value on miss. Used by GetOrLoad.
	Loader func(ctx context.Context, k K) (V, error)

	// Scheduler is shared between caches; the cache registers its map with it
	// and unregisters on Close. When nil, the cache owns a scheduler built
	// from Eviction and closes it on Close.
	Scheduler *eviction.Scheduler
	Eviction  eviction.Options

	// DisableEviction turns off background sweeps. Expired entries are still
	// hidden from reads and cleaned lazily.
	DisableEviction bool

	// CleanupQueue bounds the keys waiting for lazy removal. Keys arriving
	// while it is full are left to the next sweep.
	CleanupQueue int

	// Observability
	Metrics Metrics
	Logger  *slog.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}
