package cache

import (
	"context"
	"sync"
)

// maxCleanupBatch caps how many queued keys one cleanup op removes.
const maxCleanupBatch = 100

// cleaner removes keys that reads found expired, off the caller's path.
// enqueue never blocks: when the queue is full the key is left for the
// scheduler, which finds it through the expiry index anyway.
type cleaner struct {
	mu     sync.RWMutex
	closed bool
	queue  chan string
	done   chan struct{}
	remove func(ctx context.Context, fields []string) (int, error)
	onErr  func(err error, n int)
}

func newCleaner(size int, remove func(context.Context, []string) (int, error), onErr func(error, int)) *cleaner {
	c := &cleaner{
		queue:  make(chan string, size),
		done:   make(chan struct{}),
		remove: remove,
		onErr:  onErr,
	}
	go c.loop()
	return c
}

// enqueue reports whether field was queued.
func (c *cleaner) enqueue(field string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- field:
		return true
	default:
		return false
	}
}

// close stops accepting keys, drains what is queued and waits for the worker.
func (c *cleaner) close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	<-c.done
}

func (c *cleaner) loop() {
	defer close(c.done)
	for field := range c.queue {
		batch := []string{field}
		seen := map[string]struct{}{field: {}}
	drain:
		for len(batch) < maxCleanupBatch {
			select {
			case f, ok := <-c.queue:
				if !ok {
					break drain
				}
				if _, dup := seen[f]; !dup {
					seen[f] = struct{}{}
					batch = append(batch, f)
				}
			default:
				break drain
			}
		}
		if _, err := c.remove(context.Background(), batch); err != nil {
			c.onErr(err, len(batch))
		}
	}
}
