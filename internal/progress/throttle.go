package progress

import (
	"sync"
	"time"
)

// Throttle allows one action per interval and is safe for concurrent use.
type Throttle struct {
	mu          sync.Mutex
	interval    time.Duration
	lastAllowed time.Time
	now         func() time.Time
}

// NewThrottle creates a throttle with the given interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether an action may run now. When it may not, the
// remaining wait is returned.
func (t *Throttle) Allow() (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	since := now.Sub(t.lastAllowed)

	if t.lastAllowed.IsZero() || since >= t.interval {
		t.lastAllowed = now
		return true, 0
	}

	return false, t.interval - since
}

// Reset lets the next action through immediately.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.lastAllowed = time.Time{}
	t.mu.Unlock()
}

// Interval returns the configured interval.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}
