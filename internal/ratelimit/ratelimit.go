// Package ratelimit implements the per-channel sliding window used to
// throttle outbound sends. The limiter is process-local and non-blocking:
// callers that are denied decide for themselves whether to fail or queue.
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultMaxPerWindow = 20
	defaultWindow       = time.Minute
)

// Limiter counts successful acquisitions per key over a rolling window.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	sent   map[string][]time.Time
	now    func() time.Time // test seam
}

// New creates a limiter allowing maxPerWindow acquisitions per key in a
// rolling window. Non-positive arguments fall back to 20 per minute.
func New(maxPerWindow int, window time.Duration) *Limiter {
	if maxPerWindow <= 0 {
		maxPerWindow = defaultMaxPerWindow
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Limiter{
		max:    maxPerWindow,
		window: window,
		sent:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether one more send is permitted for key right now and,
// if so, records it. Denied calls consume nothing.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.pruneLocked(key, now)
	if len(recent) >= l.max {
		return false
	}
	l.sent[key] = append(recent, now)
	return true
}

// Remaining returns how many sends are left in the current window for key.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(key, l.now())
	if n := l.max - len(recent); n > 0 {
		return n
	}
	return 0
}

// RetryAfter returns how long until the next send would be allowed for key.
// Zero means a send is allowed immediately.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.pruneLocked(key, now)
	if len(recent) < l.max {
		return 0
	}
	// The window frees one slot when its oldest entry expires.
	return recent[0].Add(l.window).Sub(now)
}

// Reset clears the window for key. Used when a channel reconnects.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sent, key)
}

// pruneLocked drops entries older than the window and stores the survivors.
// Caller holds l.mu.
func (l *Limiter) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	entries := l.sent[key]
	keep := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	if len(keep) == 0 && len(entries) > 0 {
		delete(l.sent, key)
		return nil
	}
	l.sent[key] = keep
	return keep
}
