// Package fixed implements a constant sweep interval.
package fixed

import (
	"time"

	"github.com/IvanBrykalov/mapcache/policy"
)

// Policy sweeps every Every regardless of outcome.
type Policy struct{ Every time.Duration }

// New returns a fixed policy; d <= 0 means one minute.
func New(d time.Duration) Policy {
	if d <= 0 {
		d = time.Minute
	}
	return Policy{Every: d}
}

func (p Policy) Initial() time.Duration { return p.Every }

func (p Policy) Bounds() (time.Duration, time.Duration) { return p.Every, p.Every }

func (p Policy) Tracker() policy.Tracker { return p }

func (p Policy) Next(time.Duration, int, int) time.Duration { return p.Every }

var _ policy.Interval = Policy{}
