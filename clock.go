package taskmarket

import (
	"sync"
	"time"
)

// Clock abstracts time so reconnect and grace timers can be driven in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// deferred is a cancellation handle for one scheduled continuation. The
// callback is skipped if Cancel ran first, even when the underlying timer
// had already fired and was waiting on a lock.
type deferred struct {
	mu        sync.Mutex
	timer     Timer
	cancelled bool
}

func schedule(clock Clock, d time.Duration, f func()) *deferred {
	h := &deferred{}
	t := clock.AfterFunc(d, func() {
		if h.fire() {
			f()
		}
	})
	h.mu.Lock()
	h.timer = t
	h.mu.Unlock()
	return h
}

// fire claims the handle for the callback; it returns false if cancelled.
func (h *deferred) fire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	return true
}

// Cancel prevents the callback from running. It reports whether the
// callback was still pending.
func (h *deferred) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}
