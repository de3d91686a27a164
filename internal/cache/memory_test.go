package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(16)
	ctx := context.Background()

	entry := &models.DecisionCacheEntry{Headers: map[string]string{"x-user-sub": "u-1"}}
	require.NoError(t, c.Set(ctx, "k1", entry, contracts.CacheSetOptions{TTL: time.Minute}))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.Headers["x-user-sub"])

	// Mutating the returned entry must not leak back into the cache.
	got.Headers["x-user-sub"] = "tampered"
	again, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", again.Headers["x-user-sub"])
}

func TestMemoryCacheMissIsNilNil(t *testing.T) {
	c := NewMemoryCache(16)
	got, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(16)
	ctx := context.Background()

	base := time.Now().UTC()
	c.now = func() time.Time { return base }

	entry := &models.DecisionCacheEntry{Headers: map[string]string{"x-org-id": "o-1"}}
	require.NoError(t, c.Set(ctx, "k1", entry, contracts.CacheSetOptions{TTL: 55 * time.Second}))

	c.now = func() time.Time { return base.Add(54 * time.Second) }
	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Expiry boundary is inclusive: at exactly ExpiresAt the entry is a miss.
	c.now = func() time.Time { return base.Add(55 * time.Second) }
	got, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheRejectsZeroTTL(t *testing.T) {
	c := NewMemoryCache(16)
	err := c.Set(context.Background(), "k1", &models.DecisionCacheEntry{}, contracts.CacheSetOptions{})
	assert.Error(t, err)
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache(16)
	ctx := context.Background()

	entry := &models.DecisionCacheEntry{Headers: map[string]string{"a": "b"}}
	require.NoError(t, c.Set(ctx, "k1", entry, contracts.CacheSetOptions{TTL: time.Minute}))
	require.NoError(t, c.Delete(ctx, "k1"))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
