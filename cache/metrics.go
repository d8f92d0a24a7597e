package cache

import "time"

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                     {}
func (NoopMetrics) Miss()                    {}
func (NoopMetrics) Expired()                 {}
func (NoopMetrics) Evict(EvictReason, int)   {}
func (NoopMetrics) Size(int)                 {}
func (NoopMetrics) Sweep(int, time.Duration) {}
func (NoopMetrics) SweepError()              {}

var _ Metrics = NoopMetrics{}

// Stats are per-instance counters since New.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"` // reads that hit an expired entry
	Cleaned uint64 `json:"cleaned"` // removed by lazy cleanup
	Swept   uint64 `json:"swept"`   // removed by PurgeExpired
}
