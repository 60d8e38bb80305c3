package provider

import (
	"context"
	"sync"
	"time"

	"docrelay/internal/domain"
)

// RateLimiter is a token bucket shared by every model call.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perSec   float64
	lastFill time.Time
	now      func() time.Time
}

func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		tokens:   float64(burst),
		burst:    float64(burst),
		perSec:   perMinute / 60,
		lastFill: time.Now(),
		now:      time.Now,
	}
}

// reserve takes a token if one is available, otherwise it reports how long
// until the next one.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.lastFill).Seconds()*rl.perSec)
	rl.lastFill = now
	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.perSec * float64(time.Second))
}

// Wait blocks until a token is available or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		d := rl.reserve()
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimited throttles Complete through a RateLimiter. Time spent waiting
// counts against the caller's deadline.
type RateLimited struct {
	inner   domain.Completer
	limiter *RateLimiter
}

func NewRateLimited(inner domain.Completer, burst int, perMinute float64) *RateLimited {
	return &RateLimited{inner: inner, limiter: NewRateLimiter(burst, perMinute)}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) Healthy(ctx context.Context) error { return r.inner.Healthy(ctx) }

func (r *RateLimited) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.KindModel, "rate-limit", err)
	}
	return r.inner.Complete(ctx, req)
}
