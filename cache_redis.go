package paygate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares decisions between proxy instances through Redis.
// Keys expire server side; a Redis outage reads as a miss.
type RedisCache struct {
	client redis.UniversalClient

	// Prefix is prepended to every key (default "paygate:").
	Prefix string

	// Timeout bounds each Redis round trip (default 250ms).
	Timeout time.Duration

	Logger *slog.Logger
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		client:  client,
		Prefix:  "paygate:",
		Timeout: 250 * time.Millisecond,
		Logger:  slog.Default(),
	}
}

func (c *RedisCache) key(host, path string) string {
	return c.Prefix + cacheKey(host, path)
}

func (c *RedisCache) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.Timeout)
}

// Get implements DecisionCache.
func (c *RedisCache) Get(ctx context.Context, host, path string) (Decision, bool) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(host, path)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.Logger.Warn("decision cache read failed", "backend", "redis", "error", err)
		}
		return "", false
	}
	d := Decision(val)
	if !d.Valid() {
		return "", false
	}
	return d, true
}

// Put implements DecisionCache.
func (c *RedisCache) Put(ctx context.Context, host, path string, d Decision, ttl time.Duration) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	key := c.key(host, path)
	var err error
	if ttl <= 0 || !d.Valid() {
		err = c.client.Del(ctx, key).Err()
	} else {
		err = c.client.Set(ctx, key, string(d), ttl).Err()
	}
	if err != nil {
		c.Logger.Warn("decision cache write failed", "backend", "redis", "error", err)
	}
}

// Ping checks connectivity. Used as a readiness check.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
