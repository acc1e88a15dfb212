// Package ratelimit implements the skip cooldown: a sliding-window guard
// against participants who rapidly skip partner after partner. It gates new
// match searches only; disconnect and reset are never blocked.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type SkipLimiter struct {
	mu    sync.Mutex
	clock clock.Clock

	threshold int
	cooldown  time.Duration
	decay     time.Duration

	count         int
	lastSkip      time.Time
	cooldownUntil time.Time
}

// NewSkipLimiter builds a limiter that triggers a cooldown once threshold
// consecutive skips accumulate, and forgets the count after decay of
// inactivity. Pass clock.New() outside of tests.
func NewSkipLimiter(threshold int, cooldown, decay time.Duration, clk clock.Clock) *SkipLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &SkipLimiter{
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
		decay:     decay,
	}
}

// RecordSkip registers one voluntary session end. Reaching the threshold
// arms the cooldown window and restarts the count.
func (l *SkipLimiter) RecordSkip() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.decayIfIdle(now)

	l.count++
	l.lastSkip = now

	if l.count >= l.threshold {
		l.cooldownUntil = now.Add(l.cooldown)
		l.count = 0
	}
}

// CooldownActive reports whether new match searches are currently rejected.
func (l *SkipLimiter) CooldownActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Now().Before(l.cooldownUntil)
}

// CooldownUntil returns when the active cooldown expires, or the zero time
// when none is active.
func (l *SkipLimiter) CooldownUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clock.Now().Before(l.cooldownUntil) {
		return l.cooldownUntil
	}
	return time.Time{}
}

// Skips returns the current consecutive-skip count, after decay.
func (l *SkipLimiter) Skips() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decayIfIdle(l.clock.Now())
	return l.count
}

func (l *SkipLimiter) decayIfIdle(now time.Time) {
	if l.count > 0 && now.Sub(l.lastSkip) >= l.decay {
		l.count = 0
	}
}
