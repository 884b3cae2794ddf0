package upstream

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding outbound stream opens.
type RateLimiter struct {
	mu sync.Mutex

	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// RateLimiterConfig holds configuration for the rate limiter
type RateLimiterConfig struct {
	MaxTokens  float64 // Max burst capacity (default: 20)
	RefillRate float64 // Tokens per second (default: 5)
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{MaxTokens: 20, RefillRate: 5}
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		tokens:     config.MaxTokens,
		maxTokens:  config.MaxTokens,
		refillRate: config.RefillRate,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// must be called with lock held
func (r *RateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}
