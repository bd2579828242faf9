// Package store defines the keyed, expiring state used for conversation
// sessions and rate-limit counters, and the capabilities backends may add.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for keys that are absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is keyed state with per-key expiry.
//
// Incr is the only operation that must be atomic across concurrent callers.
// Get/Set of whole values is plain read-modify-write; callers accept
// last-writer-wins for the same key.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value and resetting
	// its expiry to ttl from now.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the fixed-window counter at key. The first
	// increment of a window starts it with expiry window; later increments
	// within the window leave the expiry untouched. Returns the new count and
	// the time remaining until the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	Close() error
}

// Lister is implemented by backends that can enumerate live keys.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Purger is implemented by backends that keep expired rows until swept.
type Purger interface {
	// Purge deletes entries that expired at or before now and returns how many.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// BulkDeleter is implemented by backends that can delete many keys at once.
type BulkDeleter interface {
	DeleteMany(ctx context.Context, keys []string) (int, error)
}

// DeleteMany removes keys using the backend's bulk path when present.
func DeleteMany(ctx context.Context, s Store, keys []string) (int, error) {
	if bd, ok := s.(BulkDeleter); ok {
		return bd.DeleteMany(ctx, keys)
	}
	n := 0
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Remaining converts an absolute expiry into time left, never negative.
func Remaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
