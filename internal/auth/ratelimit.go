package auth

import (
	"sync"
	"time"
)

// rateLimitWindow is the sliding window over which failures are counted.
const rateLimitWindow = 60 * time.Second

// rateLimitThreshold is the number of failures within the window that trips
// the limiter for a bucket.
const rateLimitThreshold = 10

// RateLimiter tracks authentication failures per bucket key (see
// BucketKey) and rejects further attempts once a bucket has failed too many
// times within the window.
type RateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{failures: make(map[string][]time.Time)}
}

// Allow reports whether a new attempt for key should proceed, first pruning
// failures outside the window.
func (r *RateLimiter) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(key, now)
	return len(r.failures[key]) < rateLimitThreshold
}

// RecordFailure registers a failed attempt for key at now.
func (r *RateLimiter) RecordFailure(key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(key, now)
	r.failures[key] = append(r.failures[key], now)
}

// RecordSuccess clears a bucket's failure history, so a valid credential
// immediately restores full attempt budget.
func (r *RateLimiter) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, key)
}

// prune drops failure timestamps older than the window. Caller must hold mu.
func (r *RateLimiter) prune(key string, now time.Time) {
	cutoff := now.Add(-rateLimitWindow)
	kept := r.failures[key][:0]
	for _, t := range r.failures[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.failures, key)
		return
	}
	r.failures[key] = kept
}
