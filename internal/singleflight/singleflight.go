// Package singleflight coalesces concurrent loads of the same key.
package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Group runs at most one fn per key at a time; callers arriving while it
// runs share its result. The zero value is ready to use.
//
// A follower whose ctx is cancelled stops waiting and gets ctx.Err(); the
// leader keeps running. A panic in fn is turned into an error for every waiter.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed after val/err are set
	val  V
	err  error
}

// Do executes fn for key, or joins a call already in flight.
// shared reports whether the result came from another caller's fn.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}
	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	g.run(key, c, fn)
	return c.val, false, c.err
}

// InFlight reports how many keys are currently being loaded.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Group[K, V]) run(key K, c *call[V], fn func() (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("singleflight: load panicked: %v", r)
		}
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn()
}
