package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/mapcache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	expired     prometheus.Counter
	evicts      *prometheus.CounterVec
	sizeEnt     prometheus.Gauge
	sweeps      prometheus.Counter
	interval    prometheus.Gauge
	sweepErrors prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics, typically {"map": name}
//
// Several adapters may share one registry as long as their constLabels differ.
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:    counter("hits_total", "Cache hits"),
		misses:  counter("misses_total", "Cache misses, expired reads included"),
		expired: counter("expired_reads_total", "Reads that found an entry past its expiry"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Expired entries physically removed, by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeEnt:     gauge("size_entries", "Entries in the store at the last Size call (approximate)"),
		sweeps:      counter("sweeps_total", "Completed eviction sweeps"),
		interval:    gauge("sweep_interval_seconds", "Interval chosen after the latest sweep"),
		sweepErrors: counter("sweep_errors_total", "Eviction sweeps that failed"),
	}
	reg.MustRegister(a.collectors()...)
	return a
}

func (a *Adapter) collectors() []prometheus.Collector {
	return []prometheus.Collector{a.hits, a.misses, a.expired, a.evicts, a.sizeEnt, a.sweeps, a.interval, a.sweepErrors}
}

// Unregister removes the adapter's collectors from reg (nil => prometheus.DefaultRegisterer),
// so an adapter with the same labels can be registered again.
func (a *Adapter) Unregister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range a.collectors() {
		reg.Unregister(c)
	}
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Expired increments the expired-read counter.
func (a *Adapter) Expired() { a.expired.Inc() }

// Evict adds n removals under the reason label.
func (a *Adapter) Evict(r cache.EvictReason, n int) {
	a.evicts.WithLabelValues(r.String()).Add(float64(n))
}

// Size updates the entries gauge.
func (a *Adapter) Size(entries int) { a.sizeEnt.Set(float64(entries)) }

// Sweep records a successful sweep and the interval that follows it.
func (a *Adapter) Sweep(_ int, next time.Duration) {
	a.sweeps.Inc()
	a.interval.Set(next.Seconds())
}

func (a *Adapter) SweepError() { a.sweepErrors.Inc() }

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
