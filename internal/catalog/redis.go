package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/redis/go-redis/v9"
)

const cacheKey = "alara:seeker_triggers"

// RedisCache keeps the trigger definition set in a single Redis key.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Load(ctx context.Context) ([]archetype.Definition, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", cacheKey, err)
	}
	var defs []archetype.Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", cacheKey, err)
	}
	return defs, true, nil
}

func (c *RedisCache) Save(ctx context.Context, defs []archetype.Definition) error {
	if defs == nil {
		defs = []archetype.Definition{}
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", cacheKey, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, cacheKey).Err()
}

// Close shuts down the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
