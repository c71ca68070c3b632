package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// RedisCache stores listings as JSON strings with a Redis expiry, shared by
// every API replica.
type RedisCache struct {
	rdb redis.UniversalClient
}

var _ ListingCache = (*RedisCache)(nil)

// NewRedisCache wraps rdb.
func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get implements ListingCache.
func (c *RedisCache) Get(ctx context.Context, userID string) ([]domain.ChatroomSummary, bool, error) {
	b, err := c.rdb.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	list, err := decode(b)
	if err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return list, true, nil
}

// Put implements ListingCache.
func (c *RedisCache) Put(ctx context.Context, userID string, list []domain.ChatroomSummary, ttl time.Duration) error {
	b, err := encode(list)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(userID), b, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate implements ListingCache.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}
