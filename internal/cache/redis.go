package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// RedisCache is a DecisionCache on Redis, for multi-node deployments where
// the decision short-circuit must be shared across gateway replicas.
type RedisCache struct {
	client *redis.Client
	now    func() time.Time
}

var _ contracts.DecisionCache = (*RedisCache)(nil)

// NewRedisCache connects a cache to the given Redis instance.
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) Get(ctx context.Context, key string) (*models.DecisionCacheEntry, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("redis get failed", err)
	}
	var entry models.DecisionCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Corrupt entries are treated as misses and dropped.
		_ = c.client.Del(ctx, key).Err()
		return nil, nil
	}
	if !entry.ExpiresAt.After(c.now()) {
		_ = c.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry *models.DecisionCacheEntry, opts contracts.CacheSetOptions) error {
	if entry == nil {
		return cerrors.New(cerrors.CodeValidation, "cache entry is required")
	}
	if opts.TTL <= 0 {
		return cerrors.New(cerrors.CodeValidation, "cache ttl must be positive")
	}
	stored := entry.Clone()
	stored.ExpiresAt = c.now().Add(opts.TTL)
	raw, err := json.Marshal(stored)
	if err != nil {
		return cerrors.Upstream("cache entry encode failed", err)
	}
	if err := c.client.Set(ctx, key, raw, opts.TTL).Err(); err != nil {
		return cerrors.Upstream("redis set failed", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return cerrors.Upstream("redis delete failed", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *RedisCache) Close() error { return c.client.Close() }
