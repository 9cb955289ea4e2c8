// Package ratelimit provides fixed window rate limiting for the
// gateway, either purely in process or shared across instances via
// redis. Counters are kept per caller key within a rolling window;
// the decision carries everything needed for the Retry-After header.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts a request against key and decides whether it may
// proceed. Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a process local fixed window limiter. It is the
// default and also serves as fallback when redis is unreachable.
type InMemoryLimiter struct {
	mutex  sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewInMemory creates an in-process limiter. A non-positive window
// selects one minute.
func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
	}
}

// Allow counts one request for key against limit.
func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	l.items[key] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// cleanup is called under the mutex and drops windows that are over.
func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

// RetryAfter returns the number of seconds until the window resets,
// suitable for the Retry-After response header. Never less than one.
func RetryAfter(d Decision) int {
	seconds := int(time.Until(d.ResetAt).Seconds()) + 1
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
