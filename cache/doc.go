// Package cache provides MapCache: a map whose entries carry an independent
// time-to-live, layered over a shared key-value store that cannot expire
// individual entries on its own.
//
// Design
//
//   - Storage: each map lives in two store keys, a hash of key → record and a
//     sorted set of key → expiresAt (the expiry index). Records carry the value
//     plus createdAt and ttl. Entries without a TTL have no index member.
//
//   - Atomicity: every operation is one named store.Op executed atomically by
//     the store (a server-side script in a remote store, slot locks in
//     store/memstore). Value and index are never observable out of step, and
//     the client takes no lock of its own.
//
//   - Lazy expiry: reads judge liveness inside the op. An expired entry reads
//     as absent and its key is queued for asynchronous removal; the caller
//     never waits for the cleanup.
//
//   - Eager expiry: an eviction.Scheduler periodically calls PurgeExpired with
//     a bounded batch. The interval adapts: full batches shorten it, empty
//     sweeps lengthen it (policy/adaptive, 5s .. 2h by default).
//
//   - Size is approximate: it counts entries that expired but were not swept.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Expired/Evict/Size/Sweep
//     signals. NoopMetrics is the default; metrics/prom exports to Prometheus.
//
// Basic usage
//
//	st := memstore.New(memstore.Options{})
//	c, err := cache.New[string, string](st, "sessions", cache.Options[string, string]{})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	_, _, err = c.Put(ctx, "a", "1", time.Minute)      // expires in a minute
//	_, _, err = c.Put(ctx, "b", "2", 0)                // never expires
//	v, ok, err := c.Get(ctx, "a")
//
// Check-and-set
//
//	cur, exists, err := c.PutIfAbsent(ctx, "lock", "owner-1", 30*time.Second)
//	if exists {
//	    _ = cur // someone else holds it
//	}
//
// Sharing one scheduler between maps
//
//	s := eviction.New(eviction.Options{BatchSize: 500})
//	defer s.Close()
//	users, _ := cache.New[string, User](st, "users", cache.Options[string, User]{Scheduler: s})
//	carts, _ := cache.New[string, Cart](st, "carts", cache.Options[string, Cart]{Scheduler: s})
//
// All methods on Cache are safe for concurrent use.
package cache
