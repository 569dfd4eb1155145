package gateway

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per key (tenant id or client IP).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

// NewRateLimiter creates an empty limiter set.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Burst returns the bucket size used for rps: one second of traffic, at
// least one request.
func Burst(rps float64) int {
	return int(math.Max(1, math.Ceil(rps)))
}

// Allow takes a token from the bucket of key. A changed rps is applied to
// the existing bucket. rps <= 0 disables limiting.
func (rl *RateLimiter) Allow(key string, rps float64) bool {
	if rps <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rps), Burst(rps))}
		rl.limiters[key] = e
	} else if e.limiter.Limit() != rate.Limit(rps) {
		e.limiter.SetLimitAt(now, rate.Limit(rps))
		e.limiter.SetBurstAt(now, Burst(rps))
	}
	e.lastSeen = now
	lim := e.limiter
	rl.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Sweep drops buckets idle for longer than idle.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			n++
		}
	}
	return n
}

// RunCleanup sweeps buckets idle for longer than idle every interval until
// ctx is cancelled. A non-positive idle uses interval.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, idle time.Duration) {
	if idle <= 0 {
		idle = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Sweep(idle); n > 0 {
				slog.DebugContext(ctx, "rate limiter buckets released",
					logger.Component("ratelimit"),
					slog.Int("count", n),
				)
			}
		}
	}
}
