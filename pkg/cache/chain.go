package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optionpulse/internal/market"
)

// ChainCache caches the latest option chain per underlying.
type ChainCache struct {
	redis *RedisClient
	ttl   time.Duration
}

func NewChainCache(redis *RedisClient, ttl time.Duration) *ChainCache {
	return &ChainCache{redis: redis, ttl: ttl}
}

// LatestChainKey is the cache key of an underlying's latest chain.
func LatestChainKey(underlying string) string {
	return fmt.Sprintf("chain:latest:%s", strings.ToUpper(underlying))
}

// GetLatest returns the cached chain and true on a hit.
func (c *ChainCache) GetLatest(ctx context.Context, underlying string) ([]market.ChainRow, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}

	var rows []market.ChainRow
	if err := c.redis.Get(ctx, LatestChainKey(underlying), &rows); err != nil {
		return nil, false
	}
	return rows, true
}

func (c *ChainCache) SetLatest(ctx context.Context, underlying string, rows []market.ChainRow) error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Set(ctx, LatestChainKey(underlying), rows, c.ttl)
}

// Invalidate drops cached chains after new snapshots are written.
func (c *ChainCache) Invalidate(ctx context.Context, underlyings ...string) error {
	if c == nil || c.redis == nil {
		return nil
	}
	keys := make([]string, len(underlyings))
	for i, u := range underlyings {
		keys[i] = LatestChainKey(u)
	}
	return c.redis.Delete(ctx, keys...)
}
