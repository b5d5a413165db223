package ratelimit

import (
	"sync"
	"time"
)

// Limiter caps how many events may happen within any rolling window.
// It is shared by every dispatcher worker, so claims across the whole
// process stay under the limit regardless of the concurrency cap.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events []time.Time
}

// New creates a Limiter allowing at most max events per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
	}
}

// Allow consumes one slot if fewer than max events happened in the
// window ending at now.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if len(l.events) >= l.max {
		return false
	}

	l.events = append(l.events, now)
	return true
}

// Refund returns the most recently consumed slot. Callers use it when
// the event the slot was taken for never actually happened. A refund
// on an empty window is a no-op.
func (l *Limiter) Refund() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 {
		l.events = l.events[:n-1]
	}
}
