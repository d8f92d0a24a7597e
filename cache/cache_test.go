package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/mapcache/store"
	"github.com/IvanBrykalov/mapcache/store/memstore"
)

type fakeClock struct{ t atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// countingExec counts store round trips and can fail them on demand.
type countingExec struct {
	store.Executor
	calls atomic.Int32
	fail  atomic.Pointer[store.Error]
}

func (e *countingExec) Execute(ctx context.Context, op *store.Op, key string, aux []string, args ...[]byte) (store.Reply, error) {
	e.calls.Add(1)
	if se := e.fail.Load(); se != nil {
		return store.Reply{}, se
	}
	return e.Executor.Execute(ctx, op, key, aux, args...)
}

func newTestCache[V any](t *testing.T, exec store.Executor, clk Clock, opt Options[string, V]) *Cache[string, V] {
	t.Helper()
	opt.Clock = clk
	if opt.Scheduler == nil {
		opt.DisableEviction = true
	}
	c, err := New[string, V](exec, "test", opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// opConsistent checks, atomically, that the record for args[0] and its index
// member agree. Int = 1 when consistent.
var opConsistent = &store.Op{Name: "test.consistent", Run: func(tx store.Tx, keys []string, args [][]byte) (store.Reply, error) {
	field := string(args[0])
	raw, ok, err := tx.HGet(keys[0], field)
	if err != nil {
		return store.Reply{}, err
	}
	score, has, err := tx.ZScore(keys[1], field)
	if err != nil {
		return store.Reply{}, err
	}
	if !ok {
		if has {
			return store.Reply{}, nil
		}
		return store.Reply{Int: 1}, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return store.Reply{}, err
	}
	exp, want := rec.expiresAt()
	if want != has || (has && exp != score) {
		return store.Reply{}, nil
	}
	return store.Reply{Int: 1}, nil
}}

func checkConsistent(exec store.Executor, key string) (bool, error) {
	r, err := exec.Execute(context.Background(), opConsistent, hashKey("test"), []string{indexKey("test")}, []byte(key))
	return r.Int == 1, err
}

func consistent(t *testing.T, exec store.Executor, key string) bool {
	t.Helper()
	ok, err := checkConsistent(exec, key)
	require.NoError(t, err)
	return ok
}

// Expired entries read as absent before any sweep, then get removed lazily.
func TestCache_ExpiredReadsAsAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	st := memstore.New(memstore.Options{})
	c := newTestCache[string](t, st, clk, Options[string, string]{})

	_, _, err := c.Put(ctx, "x", "v", 100*time.Millisecond)
	require.NoError(t, err)

	v, ok, err := c.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.add(100 * time.Millisecond) // now == expiresAt
	_, ok, err = c.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not be returned")

	require.Eventually(t, func() bool {
		n, err := c.Size(ctx)
		return err == nil && n == 0 && c.Stats().Cleaned == 1
	}, 2*time.Second, 5*time.Millisecond, "lazy cleanup removes the record")

	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
	assert.EqualValues(t, 1, s.Expired)
	assert.EqualValues(t, 1, s.Cleaned)
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	st := memstore.New(memstore.Options{})
	c := newTestCache[string](t, st, clk, Options[string, string]{})

	_, _, err := c.Put(ctx, "k", "forever", time.Second)
	require.NoError(t, err)
	prev, ok, err := c.Put(ctx, "k", "forever", 0) // clears the expiry
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "forever", prev)
	assert.True(t, consistent(t, st, "k"))

	clk.add(10_000 * time.Hour)
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "forever", v)

	left, ok, err := c.RemainingTTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, left)

	n, err := c.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCache_PutIfAbsentKeepsLiveValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestCache[string](t, memstore.New(memstore.Options{}), clk, Options[string, string]{})

	_, ok, err := c.PutIfAbsent(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.add(30 * time.Second)
	cur, ok, err := c.PutIfAbsent(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", cur)

	v, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	left, ok, err := c.RemainingTTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, left, "the losing write must not refresh the TTL")
}

func TestCache_PutIfAbsentOverwritesExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	st := memstore.New(memstore.Options{})
	c := newTestCache[string](t, st, clk, Options[string, string]{CleanupQueue: -1})

	_, _, err := c.Put(ctx, "k", "v1", time.Second)
	require.NoError(t, err)
	clk.add(2 * time.Second)

	n, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale record is still physically present")

	cur, ok, err := c.PutIfAbsent(ctx, "k", "v2", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, cur)

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.True(t, consistent(t, st, "k"))

	n, err = c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCache_PutReturnsOnlyLivePrevious(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestCache[string](t, memstore.New(memstore.Options{}), clk, Options[string, string]{CleanupQueue: -1})

	_, ok, err := c.Put(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	prev, ok, err := c.Put(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", prev)

	clk.add(time.Second)
	_, ok, err = c.Put(ctx, "k", "c", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "expired value is not reported as displaced")
}

func TestCache_RemoveContainsClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	c := newTestCache[int](t, memstore.New(memstore.Options{}), clk, Options[string, int]{})

	for i := 0; i < 5; i++ {
		_, _, err := c.Put(ctx, "k"+strconv.Itoa(i), i, time.Duration(i)*time.Second)
		require.NoError(t, err)
	}

	ok, err := c.ContainsKey(ctx, "k3")
	require.NoError(t, err)
	assert.True(t, ok)

	prev, ok, err := c.Remove(ctx, "k3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, prev)

	ok, err = c.ContainsKey(ctx, "k3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Remove(ctx, "k3")
	require.NoError(t, err)
	assert.False(t, ok)

	left, ok, err := c.RemainingTTL(ctx, "k4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4*time.Second, left)

	require.NoError(t, c.Clear(ctx))
	n, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCache_InvalidArgumentsNeverReachStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &countingExec{Executor: memstore.New(memstore.Options{})}
	c := newTestCache[string](t, exec, newFakeClock(), Options[string, string]{})

	_, _, err := c.Put(ctx, "k", "v", -time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = c.PutIfAbsent(ctx, "k", "v", -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.GetOrLoad(ctx, "k", -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, exec.calls.Load())

	for _, name := range []string{"", "a{b", "c}"} {
		_, err := New[string, string](exec, name, Options[string, string]{DisableEviction: true})
		assert.ErrorIs(t, err, ErrInvalidArgument, "name %q", name)
	}
}

func TestCache_StoreErrorsPropagateUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &countingExec{Executor: memstore.New(memstore.Options{})}
	c := newTestCache[string](t, exec, newFakeClock(), Options[string, string]{})

	_, _, err := c.Put(ctx, "k", "v", time.Minute)
	require.NoError(t, err)

	se := &store.Error{Op: "any", Err: errors.New("connection reset")}
	exec.fail.Store(se)

	_, _, err = c.Put(ctx, "k", "w", time.Minute)
	assert.Same(t, se, err)
	_, _, err = c.Get(ctx, "k")
	assert.Same(t, se, err)
	_, err = c.Size(ctx)
	assert.Same(t, se, err)
	_, err = c.PurgeExpired(ctx, 10)
	assert.Same(t, se, err)

	exec.fail.Store(nil)
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v, "failed write applied nothing")
	assert.Zero(t, c.Stats().Misses, "errors are not misses")
}

func TestCache_GetOrLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})

	c := newTestCache[string](t, memstore.New(memstore.Options{}), newFakeClock(), Options[string, string]{
		Loader: func(_ context.Context, k string) (string, error) {
			calls.Add(1)
			<-release
			return "v:" + k, nil
		},
	})

	const N = 32
	var g errgroup.Group
	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := c.GetOrLoad(ctx, "k", time.Minute)
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.Less(t, calls.Load(), int32(N))

	before := calls.Load()
	v, err := c.GetOrLoad(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "v:k", v)
	assert.Equal(t, before, calls.Load(), "second call is a hit")

	noLoader := newTestCache[string](t, memstore.New(memstore.Options{}), newFakeClock(), Options[string, string]{})
	_, err = noLoader.GetOrLoad(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrNoLoader)
}

func TestCache_ClosedRejectsOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, err := New[string, string](memstore.New(memstore.Options{}), "closing", Options[string, string]{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err = c.Put(ctx, "k", "v", 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Size(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.PurgeExpired(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Clear(ctx), ErrClosed)
}

type point struct {
	X, Y int
	Tags []string
}

func TestCache_StructValuesAndSnappy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache[point](t, memstore.New(memstore.Options{}), newFakeClock(), Options[string, point]{
		ValueCodec: SnappyCodec[point]{Inner: JSONCodec[point]{}},
	})

	want := point{X: 1, Y: 2, Tags: []string{"a", "b"}}
	_, _, err := c.Put(ctx, "p", want, time.Minute)
	require.NoError(t, err)
	got, ok, err := c.Get(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

type recMetrics struct {
	NoopMetrics
	hits, misses, expired atomic.Int32
	evicted               [2]atomic.Int32
	size                  atomic.Int32
}

func (m *recMetrics) Hit()     { m.hits.Add(1) }
func (m *recMetrics) Miss()    { m.misses.Add(1) }
func (m *recMetrics) Expired() { m.expired.Add(1) }
func (m *recMetrics) Evict(r EvictReason, n int) {
	m.evicted[r].Add(int32(n))
}
func (m *recMetrics) Size(n int) { m.size.Store(int32(n)) }

func TestCache_MetricsHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newFakeClock()
	m := &recMetrics{}
	c := newTestCache[string](t, memstore.New(memstore.Options{}), clk, Options[string, string]{Metrics: m})

	for _, k := range []string{"a", "b", "c"} {
		_, _, err := c.Put(ctx, k, k, time.Second)
		require.NoError(t, err)
	}
	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "zz")
	clk.add(time.Second)
	_, _, _ = c.Get(ctx, "a")

	assert.EqualValues(t, 1, m.hits.Load())
	assert.EqualValues(t, 2, m.misses.Load())
	assert.EqualValues(t, 1, m.expired.Load())

	require.Eventually(t, func() bool { return m.evicted[EvictLazy].Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	n, err := c.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 2, m.evicted[EvictSweep].Load())

	_, err = c.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.size.Load())
}

func TestTTLMillis(t *testing.T) {
	for _, tt := range []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{time.Nanosecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{time.Hour, 3_600_000},
	} {
		got, err := ttlMillis(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "ttl %v", tt.in)
	}
	_, err := ttlMillis(-time.Nanosecond)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
