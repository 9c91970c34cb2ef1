package cache_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/linkbridged/pkg/cache"
)

func TestTTLBasicOperations(t *testing.T) {
	t.Parallel()

	ttl := cache.NewTTL[string, int](time.Minute, 0)
	require.NotNil(t, ttl, "expected cache instance")

	ttl.Add("eth0", 1000)

	val, ok := ttl.Get("eth0")
	assert.True(t, ok, "expected cache hit")
	assert.Equal(t, 1000, val, "unexpected value")
	assert.Equal(t, 1, ttl.Len(), "unexpected cache length")

	assert.True(t, ttl.Remove("eth0"), "expected successful removal")
	assert.Zero(t, ttl.Len(), "expected empty cache after removal")

	_, ok = ttl.Get("eth0")
	assert.False(t, ok, "expected cache miss after removal")
}

func TestTTLExpiration(t *testing.T) {
	t.Parallel()

	ttl := cache.NewTTL[string, int](10*time.Millisecond, 0)
	require.NotNil(t, ttl, "expected cache instance")

	ttl.Add("eth0", 1000)

	assert.Eventually(t, func() bool {
		_, ok := ttl.Get("eth0")

		return !ok
	}, time.Second, 5*time.Millisecond, "entry should expire")
}

func TestTTLLoadCachesSuccess(t *testing.T) {
	t.Parallel()

	ttl := cache.NewTTL[string, int](time.Minute, 4)

	calls := 0
	load := func(string) (int, error) {
		calls++

		return 25000, nil
	}

	for range 3 {
		val, err := ttl.Load("mgmt0", load)
		require.NoError(t, err)
		assert.Equal(t, 25000, val)
	}

	assert.Equal(t, 1, calls, "loader called once")
}

func TestTTLLoadDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	ttl := cache.NewTTL[string, int](time.Minute, 0)
	boom := errors.New("boom")

	_, err := ttl.Load("mgmt0", func(string) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, ttl.Len(), "errors are not cached")
}

func TestTTLDisabled(t *testing.T) {
	t.Parallel()

	ttl := cache.NewTTL[string, int](0, 0)
	assert.Nil(t, ttl, "zero ttl disables caching")

	ttl.Add("eth0", 1)
	ttl.Purge()
	assert.Zero(t, ttl.Len())

	calls := 0
	for range 2 {
		_, err := ttl.Load("eth0", func(string) (int, error) {
			calls++

			return 1, nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, calls, "nil cache always loads")
}
