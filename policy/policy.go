// Package policy defines how the eviction scheduler paces its sweeps.
//
// A policy is pure: it maps the previous interval and the outcome of the
// last sweep to the next interval. The scheduler owns all state that ties
// a policy to a particular map, so one Interval value may be shared by many
// schedulers. Implementations that keep history must therefore hand out
// per-task state via Tracker.
package policy

import "time"

// Interval chooses the delay between two sweeps.
type Interval interface {
	// Initial is the delay before the first sweep.
	Initial() time.Duration

	// Bounds returns the floor and ceiling every returned interval respects.
	Bounds() (floor, ceiling time.Duration)

	// Tracker returns a fresh per-task pacer.
	Tracker() Tracker
}

// Tracker paces one scheduler task.
// It is called from a single goroutine and need not be safe for concurrent use.
type Tracker interface {
	// Next returns the delay after a sweep that removed `removed` entries
	// out of a maximum of `batch`, given the previous delay.
	Next(prev time.Duration, removed, batch int) time.Duration
}

// Clamp bounds d to [floor, ceiling].
func Clamp(d, floor, ceiling time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
