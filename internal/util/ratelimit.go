package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by the goroutines calling one API.
// A limiter built with a non-positive rate never blocks.
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter allows perMinute operations per minute with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstLimiter(perMinute, 1)
}

// NewBurstLimiter allows perMinute operations per minute and up to burst
// back-to-back operations after an idle period.
func NewBurstLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || rl.rate <= 0 {
		return ctx.Err()
	}
	for {
		d := rl.reserve()
		if d == 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes a token and returns zero, or returns how long until one is
// available.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}
