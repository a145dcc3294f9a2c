// Package ratelimit implements the two concurrency gates the core relies
// on: a per-endpoint connection-attempt rate limiter and the per-host
// wake/connect permit set (ApiLocks<Host>).
package ratelimit

import (
	"sync"
	"time"

	"github.com/serverlessdb/poolproxy/internal/types"
)

// bucket is a simple token bucket: capacity tokens, refilled at rate
// tokens/interval. Cheaper and easier to scope per-endpoint than a sliding
// log for this use case.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// EndpointRateLimiter gates connection attempts per endpoint. Whether it
// runs before or after the role-secret fetch in the authenticator is
// exposed as the AuthenticationConfig.RateLimitBeforeSecretFetch flag, not
// fixed here.
type EndpointRateLimiter struct {
	mu       sync.Mutex
	buckets  map[types.EndpointID]*bucket
	capacity float64
	rate     float64
}

// NewEndpointRateLimiter creates a limiter allowing `rate` connection
// attempts per second per endpoint, bursting up to `capacity`.
func NewEndpointRateLimiter(rate, capacity float64) *EndpointRateLimiter {
	return &EndpointRateLimiter{
		buckets:  make(map[types.EndpointID]*bucket),
		capacity: capacity,
		rate:     rate,
	}
}

// Allow reports whether a new connection attempt for this endpoint is
// within its rate limit.
func (l *EndpointRateLimiter) Allow(endpoint types.EndpointID) bool {
	l.mu.Lock()
	b, ok := l.buckets[endpoint]
	if !ok {
		b = &bucket{tokens: l.capacity, capacity: l.capacity, rate: l.rate, last: time.Now()}
		l.buckets[endpoint] = b
	}
	l.mu.Unlock()
	return b.allow(time.Now())
}

// Evict drops bookkeeping for an endpoint that's no longer in the routing
// table, so the limiter map doesn't grow unbounded across endpoint churn.
func (l *EndpointRateLimiter) Evict(endpoint types.EndpointID) {
	l.mu.Lock()
	delete(l.buckets, endpoint)
	l.mu.Unlock()
}
