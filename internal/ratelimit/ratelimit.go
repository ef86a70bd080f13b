// Package ratelimit limits turn submissions per tenant on the HTTP surface.
// Both backends count requests in a one-minute window: fixed in memory,
// sliding in Redis so limits hold across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// RateLimiter returns whether the request is allowed, the remaining quota
// and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	b, ok := r.windows[tenantID]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		r.windows[tenantID] = b
	}

	if b.count >= limit {
		return false, 0, b.resetAt, nil
	}

	b.count++
	return true, limit - b.count, b.resetAt, nil
}
