package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window counter keyed by string: at most max events
// per key within any window.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:      max,
		window:   window,
		now:      time.Now,
		attempts: make(map[string][]time.Time),
	}
}

// Allow records an event for key and reports whether it is within the limit.
// Rejected events are not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.recent(l.attempts[key], now)

	if len(valid) >= l.max {
		l.attempts[key] = valid
		return false
	}

	l.attempts[key] = append(valid, now)
	return true
}

// RetryAfter reports how long until key may be allowed again.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.recent(l.attempts[key], now)
	if len(valid) < l.max {
		return 0
	}
	return valid[0].Add(l.window).Sub(now)
}

func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// Run drops idle keys periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, attempts := range l.attempts {
		valid := l.recent(attempts, now)
		if len(valid) == 0 {
			delete(l.attempts, key)
		} else {
			l.attempts[key] = valid
		}
	}
}

func (l *Limiter) recent(attempts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	var valid []time.Time
	for _, ts := range attempts {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	return valid
}
