// Package ratelimit provides process-wide per-endpoint pacing for outbound
// API calls plus the sliding-window limiter used for room commands.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	mu       sync.Mutex
	limiters = map[string]*rate.Limiter{}
)

// Wait blocks until the named endpoint may be called again, enforcing at
// most one call per minInterval across the whole process.
func Wait(ctx context.Context, endpoint string, minInterval time.Duration) error {
	mu.Lock()
	lim, ok := limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Every(minInterval), 1)
		limiters[endpoint] = lim
	}
	mu.Unlock()
	return lim.Wait(ctx)
}

// Reset forgets all endpoint limiters. Test hook.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	limiters = map[string]*rate.Limiter{}
}

// Window allows at most Limit events per Period, with a sliding window.
type Window struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	times  []time.Time
	now    func() time.Time
}

// NewWindow creates a sliding-window limiter. limit <= 0 disables limiting.
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{limit: limit, period: period, now: time.Now}
}

// Allow records an event and reports whether it fits in the window.
func (w *Window) Allow() bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.period)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}
