package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
)

const (
	entityKeyPrefix = "kg:entity:"
	detailKeyPrefix = "kg:detail:"
)

func entityCacheKey(id string) string { return entityKeyPrefix + id }
func detailCacheKey(id string) string { return detailKeyPrefix + id }

// Cache is the two-tier entity cache: an in-process TTL map in front of an
// optional shared Redis. Values are stored as JSON in both tiers so the
// layers stay interchangeable. Lookups and writes never fail the caller;
// a broken Redis degrades to local-only caching.
type Cache struct {
	local *gocache.Cache
	redis *redis.Client
	ttl   time.Duration
	log   *zap.Logger
}

// NewCache builds the cache from config. When a Redis address is set the
// connection is verified eagerly so a misconfigured worker fails at startup
// rather than silently running uncached.
func NewCache(ctx context.Context, cfg config.KGCacheConfig, log *zap.Logger) (*Cache, error) {
	c := &Cache{
		local: gocache.New(cfg.TTL(), 2*cfg.TTL()),
		ttl:   cfg.TTL(),
		log:   log.Named("kgcache"),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("knowledge graph cache: redis ping %s: %w", cfg.RedisAddr, err)
		}
		c.redis = rdb
		c.log.Info("redis cache tier enabled", zap.String("addr", cfg.RedisAddr))
	}
	return c, nil
}

// Get loads a cached value into dst. A local hit wins; a Redis hit is
// copied back into the local tier.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if raw, ok := c.local.Get(key); ok {
		if err := json.Unmarshal(raw.([]byte), dst); err == nil {
			return true
		}
		c.local.Delete(key)
	}
	if c.redis == nil {
		return false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("redis get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Debug("redis value unreadable", zap.String("key", key), zap.Error(err))
		return false
	}
	c.local.Set(key, raw, c.ttl)
	return true
}

// Set stores a value in both tiers.
func (c *Cache) Set(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache value not serializable", zap.String("key", key), zap.Error(err))
		return
	}
	c.local.Set(key, raw, c.ttl)
	if c.redis != nil {
		if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.Debug("redis set failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Close releases the Redis connection if one was opened.
func (c *Cache) Close() error {
	c.local.Flush()
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
