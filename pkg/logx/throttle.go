package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle rate-limits a noisy log path (e.g. a repeating task that fails on
// every firing). Suppressed records are counted and reported on the next
// record that gets through.
//
// A nil *Throttle allows everything.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows perSec records per second with a burst of the same size.
// perSec <= 0 disables throttling.
func NewThrottle(perSec int) *Throttle {
	if perSec <= 0 {
		return nil
	}
	return &Throttle{lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

// Allow reports whether a record may be written now. When it returns true,
// suppressed holds the number of records dropped since the previous allowed one.
func (t *Throttle) Allow() (ok bool, suppressed uint64) {
	if t == nil {
		return true, 0
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return false, 0
	}
	return true, t.suppressed.Swap(0)
}

// Suppressed returns the number of records currently being held back.
func (t *Throttle) Suppressed() uint64 {
	if t == nil {
		return 0
	}
	return t.suppressed.Load()
}
