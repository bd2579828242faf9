// Package memory is an in-process store.Store for tests and single-node use.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// maxTrackedCounters caps the number of live counters so that an attacker
// rotating sender IDs cannot grow the map without bound.
const maxTrackedCounters = 4096

type entry struct {
	value     []byte
	expiresAt time.Time
}

type counter struct {
	windowStart time.Time
	window      time.Duration
	count       int64
}

// Store keeps values and counters in maps guarded by one mutex.
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	values   map[string]entry
	counters map[string]*counter
	pinned   map[string]bool
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPinnedCounters exempts keys from eviction when the counter map is
// full, so shared limits such as the global rate key are never reset early.
func WithPinnedCounters(keys ...string) Option {
	return func(s *Store) {
		for _, k := range keys {
			s.pinned[k] = true
		}
	}
}

// New creates an empty memory store.
func New(opts ...Option) *Store {
	s := &Store{
		values:   make(map[string]entry),
		counters: make(map[string]*counter),
		pinned:   make(map[string]bool),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.values, key)
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = entry{value: v, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.counters, key)
	return nil
}

// Incr implements the fixed-window counter.
func (s *Store) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if len(s.counters) >= maxTrackedCounters {
		s.pruneCountersLocked(now)
	}

	c, ok := s.counters[key]
	if !ok || now.Sub(c.windowStart) >= c.window {
		c = &counter{windowStart: now, window: window}
		s.counters[key] = c
	}
	c.count++
	return c.count, store.Remaining(c.windowStart.Add(c.window), now), nil
}

// pruneCountersLocked drops finished windows, then evicts arbitrary unpinned
// entries if the map is still at the cap.
func (s *Store) pruneCountersLocked(now time.Time) {
	for k, c := range s.counters {
		if now.Sub(c.windowStart) >= c.window {
			delete(s.counters, k)
		}
	}
	for len(s.counters) >= maxTrackedCounters {
		evicted := false
		for k := range s.counters {
			if !s.pinned[k] {
				delete(s.counters, k)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Keys lists live value keys with the given prefix, sorted.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, e := range s.values {
		if strings.HasPrefix(k, prefix) && now.Before(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Purge drops expired values and finished counter windows.
func (s *Store) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.values {
		if !now.Before(e.expiresAt) {
			delete(s.values, k)
			n++
		}
	}
	for k, c := range s.counters {
		if now.Sub(c.windowStart) >= c.window {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Lister = (*Store)(nil)
	_ store.Purger = (*Store)(nil)
)
