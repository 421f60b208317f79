// Package ratelimit provides in-memory rate limiting using a fixed-window
// counter. The client engine uses it to throttle chatty outbound signals
// (typing notifications) so a fast typist does not flood the connection.
package ratelimit

import (
	"sync"
	"time"
)

// Rule defines a rate limiting policy: a key prefix to namespace counters,
// the maximum number of actions allowed in the window, and the window
// duration.
type Rule struct {
	Key    string        // counter key prefix (e.g., "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleTyping allows 10 outbound typing frames per 10 seconds per room.
var RuleTyping = Rule{Key: "rl:typing:", Limit: 10, Window: 10 * time.Second}

// Limiter performs rate limiting checks against in-process counters.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// window is one identifier's counter for the current fixed window.
type window struct {
	start time.Time
	count int
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow checks whether the given identifier is within the rate limit defined
// by rule, counting this call. The first call after a window expires resets
// the counter.
func (l *Limiter) Allow(identifier string, rule Rule) bool {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rule.Window {
		l.windows[key] = &window{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= rule.Limit
}

// Remaining returns the number of actions the identifier has left in the
// current window for the given rule, without counting a call.
func (l *Limiter) Remaining(identifier string, rule Rule) int {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rule.Window {
		return rule.Limit
	}

	remaining := rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
