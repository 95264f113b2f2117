package orchestrate

import (
	"sync"
	"time"
)

// RateLimiter is an in-process sliding-window limiter over user ids
// (spec.md §4.4.1 step 4, §5). It only protects a single warm instance
// against abuse bursts landing on it — across many parallel invocations it
// provides no global rate limiting, a tradeoff spec.md §5 accepts
// explicitly. Plain time+mutex is the correct tool for this: the state is
// genuinely process-local and short-lived, and no library in the corpus
// offers a narrower fit than the standard library here.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   map[string][]time.Time
}

// NewRateLimiter returns a limiter allowing up to limit requests per window
// for any single user id.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		limit:  limit,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether a request from userID at time now is within the
// sliding window, recording the hit if so.
func (r *RateLimiter) Allow(userID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	recent := r.hits[userID][:0]
	for _, t := range r.hits[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.hits[userID] = recent
		return false
	}

	r.hits[userID] = append(recent, now)
	return true
}
