// Package cache provides DecisionCache implementations: an in-process
// expirable LRU for single-node deployments and a Redis-backed cache for
// shared fleets.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// memoryMaxTTL is the cache-wide eviction horizon. Per-entry expiry is
// enforced on read via ExpiresAt, so this only bounds memory residency.
const memoryMaxTTL = 10 * time.Minute

// MemoryCache is an in-process DecisionCache on an expirable LRU.
type MemoryCache struct {
	lru *expirable.LRU[string, *models.DecisionCacheEntry]
	now func() time.Time
}

var _ contracts.DecisionCache = (*MemoryCache)(nil)

// NewMemoryCache builds a cache bounded to maxEntries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, *models.DecisionCacheEntry](maxEntries, nil, memoryMaxTTL),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemoryCache) Name() string { return "memory" }

// Get returns the entry or (nil, nil). Entries past ExpiresAt are misses
// and are evicted eagerly.
func (c *MemoryCache) Get(_ context.Context, key string) (*models.DecisionCacheEntry, error) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, nil
	}
	if !entry.ExpiresAt.After(c.now()) {
		c.lru.Remove(key)
		return nil, nil
	}
	return entry.Clone(), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry *models.DecisionCacheEntry, opts contracts.CacheSetOptions) error {
	if entry == nil {
		return cerrors.New(cerrors.CodeValidation, "cache entry is required")
	}
	if opts.TTL <= 0 {
		return cerrors.New(cerrors.CodeValidation, "cache ttl must be positive")
	}
	stored := entry.Clone()
	stored.ExpiresAt = c.now().Add(opts.TTL)
	c.lru.Add(key, stored)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
