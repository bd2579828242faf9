package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/store/memory"
)

type failingPurger struct{}

func (failingPurger) Purge(context.Context, time.Time) (int, error) {
	return 0, errors.New("locked")
}

func TestNew_RejectsBadExpression(t *testing.T) {
	t.Parallel()
	_, err := New(memory.New(), "every tuesday")
	assert.Error(t, err)
}

func TestNext_FollowsSchedule(t *testing.T) {
	t.Parallel()
	s, err := New(memory.New(), "*/15 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	next, err := s.Next(base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next)

	after, err := s.Next(next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), after)
}

func TestRunOnce_PurgesExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "session:+1", []byte("a"), time.Minute))
	require.NoError(t, st.Set(ctx, "session:+2", []byte("b"), time.Hour))

	now = now.Add(2 * time.Minute)
	s, err := New(st, "@hourly", WithClock(clock))
	require.NoError(t, err)

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := st.Keys(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:+2"}, keys)
}

func TestRunOnce_WrapsError(t *testing.T) {
	t.Parallel()
	s, err := New(failingPurger{}, "@daily")
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "locked")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	s, err := New(failingPurger{}, "@yearly")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
