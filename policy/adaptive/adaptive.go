// Package adaptive implements the feedback interval policy: sweep often while
// sweeps keep coming back full, back off while they come back empty.
package adaptive

import (
	"time"

	"github.com/IvanBrykalov/mapcache/policy"
)

// Defaults match the classic 5 seconds .. 2 hours range.
const (
	DefaultMin = 5 * time.Second
	DefaultMax = 2 * time.Hour
)

// Policy is an adaptive policy.Interval. The zero value uses the defaults.
type Policy struct {
	Min time.Duration
	Max time.Duration
}

// New returns a policy bounded by [min, max]. Non-positive bounds fall back to
// the defaults; max < min is raised to min.
func New(min, max time.Duration) Policy {
	p := Policy{Min: min, Max: max}
	floor, ceiling := p.Bounds()
	return Policy{Min: floor, Max: ceiling}
}

// Initial starts at the floor so a freshly opened map gets swept soon.
func (p Policy) Initial() time.Duration {
	floor, _ := p.Bounds()
	return floor
}

func (p Policy) Bounds() (time.Duration, time.Duration) {
	floor, ceiling := p.Min, p.Max
	if floor <= 0 {
		floor = DefaultMin
	}
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if ceiling < floor {
		ceiling = floor
	}
	return floor, ceiling
}

func (p Policy) Tracker() policy.Tracker {
	floor, ceiling := p.Bounds()
	return &tracker{floor: floor, ceiling: ceiling}
}

// tracker remembers the last two sweep sizes to spot a draining backlog.
type tracker struct {
	floor, ceiling time.Duration
	history        [2]int
	seen           int
}

// Next:
//   - full batch       -> halve toward the floor (more work is likely waiting);
//   - nothing removed  -> double toward the ceiling;
//   - partial batch    -> grow by half when the last three sweeps shrank
//     strictly, otherwise keep the interval.
func (t *tracker) Next(prev time.Duration, removed, batch int) time.Duration {
	prev = policy.Clamp(prev, t.floor, t.ceiling)

	var next time.Duration
	switch {
	case batch > 0 && removed >= batch:
		next = prev / 2
	case removed <= 0:
		next = prev * 2
	case t.seen >= 2 && t.history[0] > t.history[1] && t.history[1] > removed:
		next = prev + prev/2
	default:
		next = prev
	}

	t.history[0], t.history[1] = t.history[1], removed
	if t.seen < 2 {
		t.seen++
	}

	// guard doubling overflow before clamping
	if next < 0 {
		next = t.ceiling
	}
	return policy.Clamp(next, t.floor, t.ceiling)
}

var _ policy.Interval = Policy{}
