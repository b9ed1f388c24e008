package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCachesValues(t *testing.T) {
	var loads atomic.Int32
	c := New(time.Minute, func(ctx context.Context, key string) (any, error) {
		loads.Add(1)
		return "value-" + key, nil
	})
	ctx := context.Background()

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)

	v, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)
	assert.EqualValues(t, 1, loads.Load(), "second read must hit the cache")

	assert.Equal(t, 0.5, c.HitRate())
}

func TestStaleEntryServesThenRefreshes(t *testing.T) {
	var loads atomic.Int32
	c := New(time.Millisecond, func(ctx context.Context, key string) (any, error) {
		return int(loads.Add(1)), nil
	})
	ctx := context.Background()

	first, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	time.Sleep(5 * time.Millisecond)

	// Stale read returns the old value immediately and refreshes behind it.
	stale, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	require.Eventually(t, func() bool {
		v, err := c.Get(ctx, "k")
		return err == nil && v == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHitRateUnusedIsPerfect(t *testing.T) {
	c := New(time.Minute, func(ctx context.Context, key string) (any, error) { return nil, nil })
	assert.Equal(t, 1.0, c.HitRate())
}
