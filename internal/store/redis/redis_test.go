package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/store/storetest"
)

func openTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		s, mr := openTest(t)
		return storetest.Harness{Store: s, Advance: mr.FastForward}
	})
}

func TestIncr_SetsExpiryOnce(t *testing.T) {
	s, mr := openTest(t)
	ctx := context.Background()

	_, _, err := s.Incr(ctx, "ratelimit:global", time.Minute)
	require.NoError(t, err)
	mr.FastForward(30 * time.Second)
	_, _, err = s.Incr(ctx, "ratelimit:global", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, mr.TTL("ratelimit:global"))
}

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open("not-a-url://")
	assert.Error(t, err)
}

func TestKeys_GlobCharactersAreLiteral(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a*:1", []byte("x"), time.Hour))
	require.NoError(t, s.Set(ctx, "ab:1", []byte("x"), time.Hour))

	keys, err := s.Keys(ctx, "a*:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*:1"}, keys)
}
