// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// Harness is one fresh backend plus a way to move its clock forward.
type Harness struct {
	Store   store.Store
	Advance func(d time.Duration)
}

// Clock is a manually advanced time source for backends that take one.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Run exercises newHarness against the shared contract. newHarness is called
// once per subtest and must return an isolated, empty store.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Store.Get(ctx, "session:nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte(`{"v":1}`), time.Hour))
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte(`{"v":2}`), time.Hour))

		got, err := h.Store.Get(ctx, "session:a")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(got))
	})

	t.Run("ValueExpires", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte("x"), 10*time.Second))

		h.Advance(5 * time.Second)
		_, err := h.Store.Get(ctx, "session:a")
		require.NoError(t, err)

		h.Advance(6 * time.Second)
		_, err = h.Store.Get(ctx, "session:a")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetRefreshesExpiry", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte("x"), 10*time.Second))
		h.Advance(8 * time.Second)
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte("y"), 10*time.Second))
		h.Advance(8 * time.Second)

		got, err := h.Store.Get(ctx, "session:a")
		require.NoError(t, err)
		assert.Equal(t, "y", string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte("x"), time.Hour))
		require.NoError(t, h.Store.Delete(ctx, "session:a"))
		require.NoError(t, h.Store.Delete(ctx, "session:a"))

		_, err := h.Store.Get(ctx, "session:a")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("IncrFixedWindow", func(t *testing.T) {
		h := newHarness(t)
		for i := int64(1); i <= 3; i++ {
			n, remaining, err := h.Store.Incr(ctx, "ratelimit:sender:+1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, n)
			assert.Greater(t, remaining, time.Duration(0))
			assert.LessOrEqual(t, remaining, time.Minute)
		}

		// Later increments must not extend the window.
		h.Advance(40 * time.Second)
		n, remaining, err := h.Store.Incr(ctx, "ratelimit:sender:+1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
		assert.LessOrEqual(t, remaining, 20*time.Second)

		h.Advance(21 * time.Second)
		n, _, err = h.Store.Incr(ctx, "ratelimit:sender:+1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "count resets after the window boundary")
	})

	t.Run("IncrKeysIndependent", func(t *testing.T) {
		h := newHarness(t)
		_, _, err := h.Store.Incr(ctx, "ratelimit:sender:+1", time.Minute)
		require.NoError(t, err)
		n, _, err := h.Store.Incr(ctx, "ratelimit:global", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("IncrConcurrent", func(t *testing.T) {
		h := newHarness(t)
		const workers = 20
		var wg sync.WaitGroup
		seen := make([]int64, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				n, _, err := h.Store.Incr(ctx, "ratelimit:global", time.Minute)
				assert.NoError(t, err)
				seen[i] = n
			}(i)
		}
		wg.Wait()

		unique := make(map[int64]bool, workers)
		for _, n := range seen {
			unique[n] = true
		}
		assert.Len(t, unique, workers, "every increment observes a distinct count")
	})

	t.Run("Ping", func(t *testing.T) {
		h := newHarness(t)
		assert.NoError(t, h.Store.Ping(ctx))
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		h := newHarness(t)
		lister, ok := h.Store.(store.Lister)
		if !ok {
			t.Skip("backend does not list keys")
		}
		for i := 0; i < 3; i++ {
			require.NoError(t, h.Store.Set(ctx, fmt.Sprintf("session:+%d", i), []byte("x"), time.Hour))
		}
		require.NoError(t, h.Store.Set(ctx, "session:+9", []byte("x"), time.Second))
		require.NoError(t, h.Store.Set(ctx, "other:key", []byte("x"), time.Hour))
		h.Advance(2 * time.Second)

		keys, err := lister.Keys(ctx, "session:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"session:+0", "session:+1", "session:+2"}, keys)
	})

	t.Run("DeleteMany", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Set(ctx, "session:a", []byte("x"), time.Hour))
		require.NoError(t, h.Store.Set(ctx, "session:b", []byte("x"), time.Hour))
		require.NoError(t, h.Store.Set(ctx, "session:c", []byte("x"), time.Hour))

		_, err := store.DeleteMany(ctx, h.Store, []string{"session:a", "session:b"})
		require.NoError(t, err)

		_, err = h.Store.Get(ctx, "session:a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = h.Store.Get(ctx, "session:c")
		assert.NoError(t, err)
	})
}

// RunPurge checks Purger backends drop expired rows and keep live ones.
// now must report the backend's current time.
func RunPurge(t *testing.T, h Harness, now func() time.Time) {
	ctx := context.Background()
	p, ok := h.Store.(store.Purger)
	require.True(t, ok, "backend must implement store.Purger")

	require.NoError(t, h.Store.Set(ctx, "session:old", []byte("x"), time.Second))
	require.NoError(t, h.Store.Set(ctx, "session:live", []byte("x"), time.Hour))
	_, _, err := h.Store.Incr(ctx, "ratelimit:global", time.Second)
	require.NoError(t, err)

	h.Advance(2 * time.Second)
	n, err := p.Purge(ctx, now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.Store.Get(ctx, "session:live")
	assert.NoError(t, err)
}
