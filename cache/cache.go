package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/mapcache/eviction"
	"github.com/IvanBrykalov/mapcache/internal/singleflight"
	"github.com/IvanBrykalov/mapcache/internal/util"
	"github.com/IvanBrykalov/mapcache/store"
)

const defaultCleanupQueue = 1024

// Cache is the MapCache implementation for one named map.
// It holds no entries and takes no lock around store operations: every
// mutation is a single atomic operation executed by the store.
type Cache[K comparable, V any] struct {
	exec  store.Executor
	name  string
	hash  string // mapcache:{name}
	index string // mapcache:{name}:ttl
	id    string

	opt Options[K, V]
	log *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once

	// singleflight group for coalescing concurrent loads in GetOrLoad.
	sf singleflight.Group[K, V]

	cleaner    *cleaner
	sched      *eviction.Scheduler
	ownSched   bool
	unschedule func()

	hits, misses, expired, cleaned, swept util.Counter
}

// New opens the map called name on exec and starts its eviction task.
func New[K comparable, V any](exec store.Executor, name string, opt Options[K, V]) (*Cache[K, V], error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: nil executor", ErrInvalidArgument)
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if opt.KeyCodec == nil {
		opt.KeyCodec = defaultCodec[K]()
	}
	if opt.ValueCodec == nil {
		opt.ValueCodec = defaultCodec[V]()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.CleanupQueue == 0 {
		opt.CleanupQueue = defaultCleanupQueue
	}

	c := &Cache[K, V]{
		exec:  exec,
		name:  name,
		hash:  hashKey(name),
		index: indexKey(name),
		id:    uuid.NewString(),
		opt:   opt,
	}
	c.log = opt.Logger.With("map", name, "instance", c.id)

	if opt.CleanupQueue > 0 {
		c.cleaner = newCleaner(opt.CleanupQueue, c.cleanup, func(err error, n int) {
			c.log.Warn("lazy cleanup failed", "keys", n, "error", err)
		})
	}

	if !opt.DisableEviction {
		c.sched = opt.Scheduler
		if c.sched == nil {
			eo := opt.Eviction
			if eo.Logger == nil {
				eo.Logger = opt.Logger
			}
			c.sched = eviction.New(eo)
			c.ownSched = true
		}
		cancel, err := c.sched.Schedule(name, c)
		if err != nil {
			c.cleaner.close()
			return nil, err
		}
		c.unschedule = cancel
	}

	c.log.Debug("map cache opened", "eviction", !opt.DisableEviction, "shared_scheduler", !c.ownSched)
	return c, nil
}

// ---- MapCache[K,V] implementation ----

func (c *Cache[K, V]) Name() string { return c.name }

// Put stores k→v with ttl and returns the displaced live value.
func (c *Cache[K, V]) Put(ctx context.Context, k K, v V, ttl time.Duration) (V, bool, error) {
	return c.write(ctx, opPut, k, v, ttl)
}

// PutIfAbsent stores k→v unless a live value exists; that value is returned instead.
func (c *Cache[K, V]) PutIfAbsent(ctx context.Context, k K, v V, ttl time.Duration) (V, bool, error) {
	return c.write(ctx, opPutIfAbsent, k, v, ttl)
}

func (c *Cache[K, V]) write(ctx context.Context, op *store.Op, k K, v V, ttl time.Duration) (V, bool, error) {
	var zero V
	ms, err := ttlMillis(ttl)
	if err != nil {
		return zero, false, err
	}
	if c.closed.Load() {
		return zero, false, ErrClosed
	}
	field, err := c.encodeKey(k)
	if err != nil {
		return zero, false, err
	}
	payload, err := c.opt.ValueCodec.Encode(v)
	if err != nil {
		return zero, false, fmt.Errorf("mapcache: encode value: %w", err)
	}

	now := c.nowMillis()
	rec := record{createdAt: now, ttl: ms, payload: payload}
	exp, has := rec.expiresAt()
	if !has {
		exp = -1
	}

	r, err := c.exec.Execute(ctx, op, c.hash, []string{c.index},
		field, rec.encode(), itob(exp), itob(now))
	if err != nil {
		return zero, false, err
	}
	if r.Bulk == nil {
		return zero, false, nil
	}
	prev, err := c.decodeValue(r.Bulk)
	if err != nil {
		return zero, false, err
	}
	return prev, true, nil
}

// Get returns the live value for k. Expired entries are treated as absent
// and handed to the lazy cleaner without blocking the caller.
func (c *Cache[K, V]) Get(ctx context.Context, k K) (V, bool, error) {
	var zero V
	raw, found, err := c.read(ctx, k)
	if err != nil {
		return zero, false, err
	}
	if !found {
		c.misses.Add(1)
		c.opt.Metrics.Miss()
		return zero, false, nil
	}
	v, err := c.decodeValue(raw)
	if err != nil {
		return zero, false, err
	}
	c.hits.Add(1)
	c.opt.Metrics.Hit()
	return v, true, nil
}

// ContainsKey reports whether k has a live value. It does not count as a hit or miss.
func (c *Cache[K, V]) ContainsKey(ctx context.Context, k K) (bool, error) {
	_, found, err := c.read(ctx, k)
	return found, err
}

// RemainingTTL returns the time k stays live; 0 with ok=true means no expiry.
func (c *Cache[K, V]) RemainingTTL(ctx context.Context, k K) (time.Duration, bool, error) {
	raw, found, err := c.read(ctx, k)
	if err != nil || !found {
		return 0, false, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return 0, false, err
	}
	exp, has := rec.expiresAt()
	if !has {
		return 0, true, nil
	}
	left := time.Duration(exp-c.nowMillis()) * time.Millisecond
	if left < time.Millisecond {
		// live when read; never report 0, which means "no expiry"
		left = time.Millisecond
	}
	return left, true, nil
}

// read runs the get op and returns the raw live record.
func (c *Cache[K, V]) read(ctx context.Context, k K) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	field, err := c.encodeKey(k)
	if err != nil {
		return nil, false, err
	}
	r, err := c.exec.Execute(ctx, opGet, c.hash, []string{c.index}, field, itob(c.nowMillis()))
	if err != nil {
		return nil, false, err
	}
	if r.Bulk == nil {
		if r.Int == 1 {
			c.expired.Add(1)
			c.opt.Metrics.Expired()
			c.cleaner.enqueue(string(field))
		}
		return nil, false, nil
	}
	return r.Bulk, true, nil
}

// Remove deletes k and returns its value if it was live.
func (c *Cache[K, V]) Remove(ctx context.Context, k K) (V, bool, error) {
	var zero V
	if c.closed.Load() {
		return zero, false, ErrClosed
	}
	field, err := c.encodeKey(k)
	if err != nil {
		return zero, false, err
	}
	r, err := c.exec.Execute(ctx, opRemove, c.hash, []string{c.index}, field, itob(c.nowMillis()))
	if err != nil || r.Bulk == nil {
		return zero, false, err
	}
	prev, err := c.decodeValue(r.Bulk)
	if err != nil {
		return zero, false, err
	}
	return prev, true, nil
}

// Size returns the store's entry count for the map; it may include entries
// that expired but were not swept yet.
func (c *Cache[K, V]) Size(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	r, err := c.exec.Execute(ctx, opSize, c.hash, []string{c.index})
	if err != nil {
		return 0, err
	}
	c.opt.Metrics.Size(int(r.Int))
	return int(r.Int), nil
}

// Clear drops every entry of the map.
func (c *Cache[K, V]) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	_, err := c.exec.Execute(ctx, opClear, c.hash, []string{c.index})
	return err
}

// GetOrLoad returns the value for k; on miss it loads via Options.Loader,
// coalescing concurrent loads for the same key (singleflight).
// If no Loader is configured, returns ErrNoLoader.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, k K, ttl time.Duration) (V, error) {
	var zero V
	if _, err := ttlMillis(ttl); err != nil {
		return zero, err
	}
	// fast path
	if v, ok, err := c.Get(ctx, k); err != nil || ok {
		return v, err
	}
	if c.opt.Loader == nil {
		return zero, ErrNoLoader
	}

	v, _, err := c.sf.Do(ctx, k, func() (V, error) {
		// double-check after flight join
		if v, ok, err := c.Get(ctx, k); err != nil || ok {
			return v, err
		}
		v, err := c.opt.Loader(ctx, k)
		if err != nil {
			return zero, err
		}
		if cur, ok, err := c.PutIfAbsent(ctx, k, v, ttl); err != nil {
			return zero, err
		} else if ok {
			return cur, nil
		}
		return v, nil
	})
	return v, err
}

// PurgeExpired removes up to limit expired entries (limit <= 0 means the
// scheduler's batch size, or 100 without a scheduler). Running it
// concurrently from several clients is safe: removing an entry that is
// already gone is a no-op.
func (c *Cache[K, V]) PurgeExpired(ctx context.Context, limit int) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if limit <= 0 {
		limit = eviction.DefaultBatchSize
		if c.sched != nil {
			limit = c.sched.BatchSize()
		}
	}
	r, err := c.exec.Execute(ctx, opPurge, c.hash, []string{c.index}, itob(c.nowMillis()), itob(int64(limit)))
	if err != nil {
		return 0, err
	}
	n := int(r.Int)
	if n > 0 {
		c.swept.Add(uint64(n))
		c.opt.Metrics.Evict(EvictSweep, n)
	}
	return n, nil
}

// ObserveSweep implements eviction.Observer.
func (c *Cache[K, V]) ObserveSweep(removed int, next time.Duration, err error) {
	if err != nil {
		c.opt.Metrics.SweepError()
		return
	}
	c.opt.Metrics.Sweep(removed, next)
}

// Stats returns this instance's counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
		Cleaned: c.cleaned.Load(),
		Swept:   c.swept.Load(),
	}
}

// Close cancels the eviction task (waiting for a sweep in flight), drains the
// lazy cleaner and rejects further operations. It is safe to call repeatedly.
func (c *Cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		if c.unschedule != nil {
			c.unschedule()
		}
		if c.ownSched {
			_ = c.sched.Close()
		}
		c.closed.Store(true)
		c.cleaner.close()
		c.log.Debug("map cache closed")
	})
	return nil
}

// ---- helpers ----

// cleanup removes fields a read found expired; liveness is re-checked by the op.
func (c *Cache[K, V]) cleanup(ctx context.Context, fields []string) (int, error) {
	args := make([][]byte, 0, 1+len(fields))
	args = append(args, itob(c.nowMillis()))
	for _, f := range fields {
		args = append(args, []byte(f))
	}
	r, err := c.exec.Execute(ctx, opCleanup, c.hash, []string{c.index}, args...)
	if err != nil {
		return 0, err
	}
	n := int(r.Int)
	if n > 0 {
		c.cleaned.Add(uint64(n))
		c.opt.Metrics.Evict(EvictLazy, n)
	}
	return n, nil
}

func (c *Cache[K, V]) encodeKey(k K) ([]byte, error) {
	b, err := c.opt.KeyCodec.Encode(k)
	if err != nil {
		return nil, fmt.Errorf("mapcache: encode key: %w", err)
	}
	return b, nil
}

func (c *Cache[K, V]) decodeValue(raw []byte) (V, error) {
	var zero V
	rec, err := decodeRecord(raw)
	if err != nil {
		return zero, err
	}
	v, err := c.opt.ValueCodec.Decode(rec.payload)
	if err != nil {
		return zero, fmt.Errorf("mapcache: decode value: %w", err)
	}
	return v, nil
}

func (c *Cache[K, V]) nowMillis() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano() / int64(time.Millisecond)
	}
	return time.Now().UnixMilli()
}

var (
	_ MapCache[string, string] = (*Cache[string, string])(nil)
	_ eviction.Sweeper         = (*Cache[string, string])(nil)
	_ eviction.Observer        = (*Cache[string, string])(nil)
)
