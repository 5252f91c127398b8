package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate. The brokerage API rate-limits per access token, so the
// gateway shares one limiter across all endpoint wrappers.
type RateLimiter struct {
	rate     float64 // tokens per second
	burst    float64 // bucket capacity
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewRateLimiterBurst(perMinute, 1)
}

// NewRateLimiterBurst creates a RateLimiter allowing perMinute operations per
// minute and bursts of up to burst consecutive operations.
func NewRateLimiterBurst(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   1, // start with one token available
		lastTime: time.Now(),
	}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled. A nil limiter never blocks.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		// Wait a short interval before checking again.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
