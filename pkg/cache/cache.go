package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/P4v3r/void-ai/internal/config"
	"github.com/go-redis/redis/v8"
)

// windowScript atomically increments a fixed-window counter and stamps the
// window expiry on first increment. Returns {count, ttlSeconds}. The TTL
// re-stamp guards against a key that lost its expiry (crash between INCR and
// EXPIRE leaves an immortal counter otherwise).
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// quotaScript seeds the quota counter to the configured limit if absent, then
// decrements it only while positive. Returns {remaining, consumed} where
// consumed is 1 when a unit was spent and 0 when the counter was already empty.
var quotaScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2])
local left = tonumber(redis.call('GET', KEYS[1]))
if left <= 0 then
  return {left, 0}
end
left = redis.call('DECRBY', KEYS[1], 1)
return {left, 1}
`)

// CounterResult is the normalized result of a window increment. Counter
// scripts return Lua arrays; the pair is flattened into a struct here so the
// ambiguity never leaves this package.
type CounterResult struct {
	Count      int64
	TTLSeconds int64
}

// QuotaResult is the normalized result of a conditional quota decrement.
type QuotaResult struct {
	Remaining int64
	Consumed  bool
}

// Cache wraps the Redis client
type Cache struct {
	Client *redis.Client
}

// NewCache creates a new Redis cache client
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &Cache{Client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.Client.Close()
}

// Health checks cache health
func (c *Cache) Health(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// IncrWindow atomically increments the fixed-window counter at key, setting
// the window expiry on the first increment.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (CounterResult, error) {
	res, err := windowScript.Run(ctx, c.Client, []string{key}, int64(window.Seconds())).Result()
	if err != nil {
		return CounterResult{}, fmt.Errorf("window increment failed: %w", err)
	}
	pair, err := scriptPair(res)
	if err != nil {
		return CounterResult{}, err
	}
	return CounterResult{Count: pair[0], TTLSeconds: pair[1]}, nil
}

// ConsumeQuota atomically spends one unit from the quota counter at key,
// seeding it to limit with the given TTL if it does not exist yet.
func (c *Cache) ConsumeQuota(ctx context.Context, key string, limit int64, ttl time.Duration) (QuotaResult, error) {
	res, err := quotaScript.Run(ctx, c.Client, []string{key}, limit, int64(ttl.Seconds())).Result()
	if err != nil {
		return QuotaResult{}, fmt.Errorf("quota decrement failed: %w", err)
	}
	pair, err := scriptPair(res)
	if err != nil {
		return QuotaResult{}, err
	}
	return QuotaResult{Remaining: pair[0], Consumed: pair[1] == 1}, nil
}

// Set sets a key-value pair with expiration
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value by key
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

// SetNX sets a key only if it does not exist, returning whether it was set
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, expiration).Result()
}

// Delete deletes a key
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

// Expire sets expiration on a key
func (c *Cache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.Client.Expire(ctx, key, expiration).Err()
}

// scriptPair flattens a two-element Lua integer reply.
func scriptPair(res interface{}) ([2]int64, error) {
	items, ok := res.([]interface{})
	if !ok || len(items) != 2 {
		return [2]int64{}, fmt.Errorf("unexpected script reply %T", res)
	}
	var pair [2]int64
	for i, item := range items {
		n, ok := item.(int64)
		if !ok {
			return [2]int64{}, fmt.Errorf("unexpected script reply element %T", item)
		}
		pair[i] = n
	}
	return pair, nil
}
