// Package eviction runs the background sweeps that physically remove expired
// entries from maps whose store cannot expire them on its own.
//
// One task runs per map name and scheduler. Each task cycles Idle -> Sweeping
// -> Idle until its last handle is cancelled (Cancelled is terminal). A sweep
// asks a Sweeper to purge at most BatchSize expired entries; the interval
// before the next sweep comes from a policy.Interval fed with the outcome.
// Sweeps are idempotent, so independent schedulers in different processes may
// sweep the same map concurrently.
package eviction

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/mapcache/policy"
	"github.com/IvanBrykalov/mapcache/policy/adaptive"
)

// Defaults.
const (
	DefaultBatchSize = 100
	DefaultJitter    = 0.1
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("eviction: scheduler closed")

// Sweeper purges up to limit expired entries and reports how many it removed.
type Sweeper interface {
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// Observer is optionally implemented by a Sweeper that wants sweep outcomes
// (e.g. to export metrics). err is nil on success. Every sweeper registered
// under the task's name is notified, not only the one that swept.
type Observer interface {
	ObserveSweep(removed int, next time.Duration, err error)
}

// Timers abstracts time.After so tests can drive the schedule by hand.
type Timers interface {
	After(d time.Duration) <-chan time.Time
}

type realTimers struct{}

func (realTimers) After(d time.Duration) <-chan time.Time { return time.After(d) }

// State of a task.
type State int32

const (
	Idle State = iota
	Sweeping
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sweeping:
		return "sweeping"
	default:
		return "cancelled"
	}
}

// Options configures a Scheduler. Zero values are safe:
//   - nil Interval  => adaptive policy (5s .. 2h)
//   - BatchSize <= 0 => DefaultBatchSize
//   - Jitter == 0   => DefaultJitter; Jitter < 0 disables jitter
//   - nil Timers    => wall clock
//   - nil Rand      => math/rand/v2
//   - nil Logger    => slog.Default()
type Options struct {
	Interval  policy.Interval
	BatchSize int
	Jitter    float64
	Timers    Timers
	Rand      func() float64
	Logger    *slog.Logger
}

// Scheduler owns sweep tasks keyed by map name. Safe for concurrent use.
type Scheduler struct {
	opt Options

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// New constructs a Scheduler with defaults applied.
func New(opt Options) *Scheduler {
	if opt.Interval == nil {
		opt.Interval = adaptive.Policy{}
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.Jitter == 0 {
		opt.Jitter = DefaultJitter
	}
	if opt.Jitter < 0 {
		opt.Jitter = 0
	}
	if opt.Jitter > 1 {
		opt.Jitter = 1
	}
	if opt.Timers == nil {
		opt.Timers = realTimers{}
	}
	if opt.Rand == nil {
		opt.Rand = rand.Float64
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Scheduler{opt: opt, tasks: make(map[string]*task)}
}

// BatchSize is the cap on entries removed per sweep.
func (s *Scheduler) BatchSize() int { return s.opt.BatchSize }

// Schedule registers sw for map name and returns a handle that unregisters it.
// Several sweepers for one name share a single task; it sweeps through the
// oldest registered sweeper and stops when the last handle is cancelled.
// Cancelling waits for an in-flight sweep through sw to finish, so sw is never
// called after its handle returns. The handle is idempotent.
func (s *Scheduler) Schedule(name string, sw Sweeper) (cancel func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	t, ok := s.tasks[name]
	if !ok {
		t = s.startLocked(name)
		s.tasks[name] = t
	}
	reg := &registration{sw: sw}
	t.regs = append(t.regs, reg)

	var once sync.Once
	return func() { once.Do(func() { s.unregister(t, reg) }) }, nil
}

// Stats returns a snapshot of the task for name.
func (s *Scheduler) Stats(name string) (TaskStats, bool) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return TaskStats{State: Cancelled}, false
	}
	return t.stats(), true
}

// Close cancels every task and waits for them to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for name, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
	return nil
}

func (s *Scheduler) unregister(t *task, reg *registration) {
	s.mu.Lock()
	for i, r := range t.regs {
		if r == reg {
			t.regs = append(t.regs[:i], t.regs[i+1:]...)
			break
		}
	}
	last := len(t.regs) == 0
	if last && s.tasks[t.name] == t {
		delete(s.tasks, t.name)
	}
	s.mu.Unlock()

	if last {
		t.cancel()
		<-t.done
		return
	}
	// no new sweep can pick reg now; wait out one already running
	reg.inflight.Wait()
}

// acquire picks the registration a task sweeps through and marks it in use,
// or returns nil when none is left. The caller must call inflight.Done.
func (s *Scheduler) acquire(t *task) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(t.regs) == 0 {
		return nil
	}
	reg := t.regs[0]
	reg.inflight.Add(1)
	return reg
}

// observers returns the registered sweepers that implement Observer.
func (s *Scheduler) observers(t *task) []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Observer
	for _, r := range t.regs {
		if o, ok := r.sw.(Observer); ok {
			out = append(out, o)
		}
	}
	return out
}

// ---- task ----

type registration struct {
	sw       Sweeper
	inflight sync.WaitGroup
}

// TaskStats is a point-in-time view of a task.
type TaskStats struct {
	State    State
	Interval time.Duration // interval chosen after the latest sweep
	Sweeps   uint64
	Removed  uint64
	Failures uint64
}

type task struct {
	name    string
	regs    []*registration // guarded by Scheduler.mu
	cancel  context.CancelFunc
	done    chan struct{}
	tracker policy.Tracker

	state    atomic.Int32
	interval atomic.Int64
	sweeps   atomic.Uint64
	removed  atomic.Uint64
	failures atomic.Uint64
}

func (s *Scheduler) startLocked(name string) *task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		name:    name,
		cancel:  cancel,
		done:    make(chan struct{}),
		tracker: s.opt.Interval.Tracker(),
	}
	t.interval.Store(int64(s.opt.Interval.Initial()))
	go s.run(ctx, t)
	return t
}

func (t *task) stats() TaskStats {
	return TaskStats{
		State:    State(t.state.Load()),
		Interval: time.Duration(t.interval.Load()),
		Sweeps:   t.sweeps.Load(),
		Removed:  t.removed.Load(),
		Failures: t.failures.Load(),
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer t.state.Store(int32(Cancelled))

	log := s.opt.Logger.With("map", t.name)
	delay := time.Duration(t.interval.Load())
	for {
		t.state.Store(int32(Idle))
		select {
		case <-ctx.Done():
			return
		case <-s.opt.Timers.After(s.wait(delay)):
		}
		if ctx.Err() != nil {
			return
		}

		reg := s.acquire(t)
		if reg == nil {
			continue
		}

		t.state.Store(int32(Sweeping))
		// A started batch runs to completion even if the task is cancelled meanwhile.
		removed, err := reg.sw.PurgeExpired(context.WithoutCancel(ctx), s.opt.BatchSize)
		reg.inflight.Done()
		t.sweeps.Add(1)
		if err != nil {
			// keep the interval; the next tick retries
			t.failures.Add(1)
			log.Warn("eviction sweep failed", "error", err, "retry_in", delay)
		} else {
			t.removed.Add(uint64(removed))
			delay = t.tracker.Next(delay, removed, s.opt.BatchSize)
			t.interval.Store(int64(delay))
			log.Debug("eviction sweep", "removed", removed, "next", delay)
		}
		for _, o := range s.observers(t) {
			o.ObserveSweep(removed, delay, err)
		}
	}
}

// wait shortens d by a random fraction of up to Jitter, never below the policy floor.
func (s *Scheduler) wait(d time.Duration) time.Duration {
	floor, _ := s.opt.Interval.Bounds()
	if s.opt.Jitter > 0 {
		d -= time.Duration(float64(d) * s.opt.Jitter * s.opt.Rand())
	}
	if d < floor {
		d = floor
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}
