package auth

import (
	"sync"
	"time"
)

// RateLimiter admits requests from a per-key token bucket. Each bucket
// holds at most Capacity tokens and refills at Rate tokens per second,
// computed lazily from elapsed wall-clock time at check time — there
// is no background timer. A request is admitted iff the bucket holds
// at least one token, which is then consumed.
//
// Buckets lock individually, so admin traffic and concurrent checks on
// different keys never contend on a shared lock; the limiter-level
// mutex guards only the bucket map itself.
type RateLimiter struct {
	capacity float64
	rate     float64

	mu      sync.Mutex
	buckets map[string]*bucket

	// now is replaceable in tests.
	now func() time.Time
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter with the given bucket capacity and
// refill rate in tokens per second.
func NewRateLimiter(capacity, ratePerSec float64) *RateLimiter {
	return &RateLimiter{
		capacity: capacity,
		rate:     ratePerSec,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow consumes one token from key's bucket if available and reports
// whether the request is admitted.
func (l *RateLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
