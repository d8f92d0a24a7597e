package api

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/mapcache/cache"
	"github.com/IvanBrykalov/mapcache/eviction"
	"github.com/IvanBrykalov/mapcache/metrics/prom"
	"github.com/IvanBrykalov/mapcache/store"
)

// ErrRegistryClosed is returned by Open after Close.
var ErrRegistryClosed = errors.New("api: registry closed")

// Map is the cache type served over HTTP: raw byte values keyed by string.
type Map = cache.Cache[string, []byte]

// RegistryOptions configures a Registry. Zero values are safe.
type RegistryOptions struct {
	// Metrics registers one prom.Adapter per map, labelled {"map": name}. Nil disables.
	Metrics   prometheus.Registerer
	Namespace string

	// CleanupQueue is passed to every cache (see cache.Options).
	CleanupQueue int

	Logger *slog.Logger
}

// Registry opens maps lazily by name. All maps share one store and one
// eviction scheduler; Close closes every map it opened.
type Registry struct {
	exec  store.Executor
	sched *eviction.Scheduler
	opt   RegistryOptions

	mu     sync.Mutex
	maps   map[string]*Map
	closed bool
}

func NewRegistry(exec store.Executor, sched *eviction.Scheduler, opt RegistryOptions) *Registry {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Namespace == "" {
		opt.Namespace = "mapcache"
	}
	return &Registry{exec: exec, sched: sched, opt: opt, maps: make(map[string]*Map)}
}

// Open returns the map called name, creating the client on first use.
func (r *Registry) Open(name string) (*Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if m, ok := r.maps[name]; ok {
		return m, nil
	}
	// checked before any collector is registered for name
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}

	opt := cache.Options[string, []byte]{
		Scheduler:    r.sched,
		CleanupQueue: r.opt.CleanupQueue,
		Logger:       r.opt.Logger,
	}
	if r.sched == nil {
		opt.DisableEviction = true
	}
	var adapter *prom.Adapter
	if r.opt.Metrics != nil {
		adapter = prom.New(r.opt.Metrics, r.opt.Namespace, "", prometheus.Labels{"map": name})
		opt.Metrics = adapter
	}
	m, err := cache.New[string, []byte](r.exec, name, opt)
	if err != nil {
		if adapter != nil {
			adapter.Unregister(r.opt.Metrics)
		}
		return nil, err
	}
	r.maps[name] = m
	return m, nil
}

// Names lists the opened maps in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.maps))
	for name := range r.maps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every opened map. Safe to call repeatedly.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	maps := r.maps
	r.maps = nil
	r.mu.Unlock()

	var errs []error
	for _, m := range maps {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
