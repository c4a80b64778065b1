package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// processingTTL covers one pipeline run; a stale marker expires rather than blocking reads.
	processingTTL = time.Minute
	// resultTTL keeps recent records hot for polling clients; postgres stays authoritative.
	resultTTL = 5 * time.Minute

	processingMarker = "processing"
)

// resultKey is the redis key holding the marker and then the record of one verification.
func resultKey(requestID string) string {
	return "docverify:verification:" + requestID
}

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache holds in-flight markers and recent verification records under resultKey.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis. A missing key returns redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}
