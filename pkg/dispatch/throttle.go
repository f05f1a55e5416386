package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HeartbeatThrottle coalesces heartbeat writes per job: at most one
// persisted update per window regardless of how chatty the executor is.
// This bounds store write pressure, the highest-frequency write path.
type HeartbeatThrottle struct {
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHeartbeatThrottle builds a throttle with the given window. A zero or
// negative window disables throttling (every call is allowed).
func NewHeartbeatThrottle(window time.Duration) *HeartbeatThrottle {
	return &HeartbeatThrottle{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a heartbeat for jobID should be persisted now.
func (h *HeartbeatThrottle) Allow(jobID string) bool {
	if h.window <= 0 {
		return true
	}

	h.mu.Lock()
	limiter, ok := h.limiters[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.window), 1)
		h.limiters[jobID] = limiter
	}
	h.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the per-job limiter once the job is terminal.
func (h *HeartbeatThrottle) Forget(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.limiters, jobID)
}
