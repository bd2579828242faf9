// Package ratelimit applies fixed-window request limits per sender and globally.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 when denied.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limits holds the per-sender and global ceilings for one window length.
type Limits struct {
	PerSender int
	Global    int
	Window    time.Duration
}

// Limiter counts requests in the shared store, so limits hold across replicas
// that share a backend.
type Limiter struct {
	store  store.Store
	limits Limits
}

func New(st store.Store, limits Limits) *Limiter {
	return &Limiter{store: st, limits: limits}
}

// Allow increments key's counter and reports whether it is within limit.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	count, remaining, err := l.store.Incr(ctx, key, window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	d := Decision{Allowed: count <= int64(limit), Count: count}
	if !d.Allowed {
		d.RetryAfter = remaining
	}
	return d, nil
}

// Check applies the sender limit, then the global limit. A sender over its
// limit never consumes global capacity.
func (l *Limiter) Check(ctx context.Context, sender string) (Decision, error) {
	d, err := l.Allow(ctx, sessions.SenderRateKey(sender), l.limits.PerSender, l.limits.Window)
	if err != nil || !d.Allowed {
		return d, err
	}
	return l.Allow(ctx, sessions.GlobalRateKey, l.limits.Global, l.limits.Window)
}
