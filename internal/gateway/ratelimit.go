package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/nodegate/internal/config"
)

// window tracks request counts for one key inside a fixed time window.
type window struct {
	start      time.Time
	count      int
	lastAccess time.Time
}

// RateLimiter enforces a fixed-window request cap per key. Keys are bearer
// tokens when present, remote addresses otherwise. Owned by the server
// instance so tests and multi-gateway processes get isolated limiters.
type RateLimiter struct {
	enabled     bool
	maxRequests int
	windowSize  time.Duration
	clock       func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewRateLimiter creates a limiter from config. A nil clock uses wall time.
func NewRateLimiter(cfg config.RateLimitConfig, clock func() time.Time) *RateLimiter {
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 60
	}
	windowMs := cfg.WindowMs
	if windowMs <= 0 {
		windowMs = 60000
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		enabled:     cfg.Enabled,
		maxRequests: maxRequests,
		windowSize:  time.Duration(windowMs) * time.Millisecond,
		clock:       clock,
		windows:     make(map[string]*window),
	}
}

// Allow performs a check-and-increment for the key's current window. The
// check and the increment happen under one lock acquisition so concurrent
// callers cannot both slip under the cap.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.enabled {
		return true
	}
	now := rl.clock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.windowSize {
		rl.windows[key] = &window{start: now, count: 1, lastAccess: now}
		return true
	}
	w.lastAccess = now
	if w.count >= rl.maxRequests {
		return false
	}
	w.count++
	return true
}

// EvictStale removes windows idle longer than maxAge. Prevents unbounded
// growth from unique tokens or addresses; called from the maintenance loop.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.clock().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, w := range rl.windows {
		if w.lastAccess.Before(cutoff) {
			delete(rl.windows, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.windows))
	}
	return evicted
}

// WindowCount returns the number of tracked keys (for testing/metrics).
func (rl *RateLimiter) WindowCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
