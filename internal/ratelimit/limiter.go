// Package ratelimit tracks the remaining API call budget per platform
// credential. It is the only intentional backpressure point in a scan:
// exhaustion either blocks until the window resets or fails fast, it never
// silently proceeds.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Key identifies one call budget. Scans of different repositories on the
// same platform share a budget only when every component matches.
type Key struct {
	Platform   string
	Credential string
	Repo       string
	BaseURL    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s%s", k.Platform, k.Credential, k.BaseURL, k.Repo)
}

// ExhaustedError is returned in fail-fast mode when a budget has no calls
// left in the current window.
type ExhaustedError struct {
	Key     Key
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limit exhausted for %s (resets at %s)", e.Key, e.ResetAt.Format(time.RFC3339))
}

// Limiter is a windowed call-budget tracker, safe for concurrent use from
// parallel repository scans.
type Limiter struct {
	budget   int
	window   time.Duration
	failFast bool

	mu      sync.Mutex
	buckets map[Key]*bucket

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type bucket struct {
	used    int
	resetAt time.Time
}

// New creates a Limiter allowing budget calls per window for each key.
func New(budget int, window time.Duration, failFast bool) *Limiter {
	return &Limiter{
		budget:   budget,
		window:   window,
		failFast: failFast,
		buckets:  make(map[Key]*bucket),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Acquire consumes one call from the key's budget, blocking until the window
// resets when the budget is spent (or returning ExhaustedError in fail-fast
// mode). Every adapter page fetch goes through here.
func (l *Limiter) Acquire(ctx context.Context, key Key) error {
	for {
		l.mu.Lock()
		b, ok := l.buckets[key]
		now := l.now()
		if !ok || !now.Before(b.resetAt) {
			b = &bucket{resetAt: now.Add(l.window)}
			l.buckets[key] = b
		}
		if b.used < l.budget {
			b.used++
			l.mu.Unlock()
			return nil
		}
		resetAt := b.resetAt
		l.mu.Unlock()

		if l.failFast {
			return &ExhaustedError{Key: key, ResetAt: resetAt}
		}
		slog.Warn("Rate limit exhausted, waiting for window reset",
			"key", key.String(), "reset_at", resetAt)
		if err := l.sleep(ctx, resetAt.Sub(l.now())); err != nil {
			return err
		}
	}
}

// Remaining reports the calls left in the key's current window.
func (l *Limiter) Remaining(key Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || !l.now().Before(b.resetAt) {
		return l.budget
	}
	return l.budget - b.used
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
