package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := storetest.NewClock()
		return storetest.Harness{Store: New(WithClock(clock.Now)), Advance: clock.Advance}
	})
}

func TestPurge(t *testing.T) {
	clock := storetest.NewClock()
	s := New(WithClock(clock.Now))
	storetest.RunPurge(t, storetest.Harness{Store: s, Advance: clock.Advance}, clock.Now)
}

func TestIncr_BoundsTrackedCounters(t *testing.T) {
	clock := storetest.NewClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < maxTrackedCounters+50; i++ {
		_, _, err := s.Incr(ctx, fmt.Sprintf("ratelimit:sender:+%d", i), time.Minute)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(s.counters), maxTrackedCounters)
}

func TestIncr_PinnedCounterSurvivesEviction(t *testing.T) {
	clock := storetest.NewClock()
	s := New(WithClock(clock.Now), WithPinnedCounters("ratelimit:global"))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, _, err := s.Incr(ctx, "ratelimit:global", time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(i), n)
	}
	for i := 0; i < 2*maxTrackedCounters; i++ {
		_, _, err := s.Incr(ctx, fmt.Sprintf("ratelimit:sender:+%d", i), time.Minute)
		require.NoError(t, err)
	}

	n, _, err := s.Incr(ctx, "ratelimit:global", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "global window must not restart under pressure")
	assert.LessOrEqual(t, len(s.counters), maxTrackedCounters)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("abc"), time.Hour))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}
