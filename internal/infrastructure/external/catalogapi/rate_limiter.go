package catalogapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Token Bucket implementation
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiter is a token bucket shared by every request of one client.
type RateLimiter struct {
	mu sync.Mutex

	maxTokens   float64
	refillRate  float64 // tokens per second
	tokens      float64
	lastRefill  time.Time
	minInterval time.Duration
	lastRequest time.Time
	waitTimeout time.Duration
	// pausedUntil is set from a 429 Retry-After header.
	pausedUntil time.Time
}

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// MinInterval is the minimum gap between requests, even with tokens left.
	MinInterval time.Duration

	// WaitTimeout caps how long Allow blocks.
	WaitTimeout time.Duration
}

// DefaultRateLimiterConfig returns the limits used against the course service.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 20,
		BurstSize:         20,
		WaitTimeout:       5 * time.Second,
	}
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		maxTokens:   float64(config.BurstSize),
		refillRate:  config.RequestsPerSecond,
		tokens:      float64(config.BurstSize),
		lastRefill:  now,
		minInterval: config.MinInterval,
		lastRequest: now.Add(-config.MinInterval),
		waitTimeout: config.WaitTimeout,
	}
}

// RateLimitError is returned when no token became available in time.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "catalog rate limit exceeded, retry after " + e.RetryAfter.String()
}

// Allow blocks until a request may proceed, the wait timeout would be
// exceeded or ctx is done.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	deadline := time.Now().Add(rl.waitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return &RateLimitError{RetryAfter: wait}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire takes a token, or reports how long to wait for one.
func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.refill(now)

	if now.Before(rl.pausedUntil) {
		return rl.pausedUntil.Sub(now), false
	}
	if since := now.Sub(rl.lastRequest); since < rl.minInterval {
		return rl.minInterval - since, false
	}
	if rl.tokens < 1.0 {
		if rl.refillRate <= 0 {
			return rl.waitTimeout + time.Second, false
		}
		return time.Duration((1.0 - rl.tokens) / rl.refillRate * float64(time.Second)), false
	}

	rl.tokens--
	rl.lastRequest = now
	return 0, true
}

// refill must be called with the lock held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// RecordRateLimitHit empties the bucket after a 429 and pauses for
// retryAfter when the service sent one.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = 0
	if retryAfter > 0 {
		rl.pausedUntil = time.Now().Add(retryAfter)
	}
}

// Available returns the current token count.
func (rl *RateLimiter) Available() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	return rl.tokens
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
