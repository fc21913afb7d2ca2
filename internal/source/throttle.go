package source

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultThrottleInterval is the minimum spacing between accepted live updates.
const DefaultThrottleInterval = 3 * time.Second

// Throttle drops live updates arriving faster than one per interval. Dropped updates are
// never queued.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

// NewThrottle builds a throttle. A non-positive interval disables it.
func NewThrottle(interval time.Duration) *Throttle {
	t := &Throttle{interval: interval}
	t.Reset()
	return t
}

// Allow reports whether an update at now may pass.
func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter == nil {
		return true
	}
	return t.limiter.AllowN(now, 1)
}

// Reset forgets the last accepted update.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interval <= 0 {
		t.limiter = nil
		return
	}
	t.limiter = rate.NewLimiter(rate.Every(t.interval), 1)
}
