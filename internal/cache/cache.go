// Package cache keeps cross-instance gateway state in Redis: open circuits,
// rate-limit windows, and idempotent request results.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	breakerKeyPrefix     = "breaker:open:"
	rateLimitKeyPrefix   = "ratelimit:"
	idempotencyKeyPrefix = "idem:"
	openMarker           = "1"
)

// Cache wraps a Redis client with gateway-specific operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to Redis at addr ("host:port") and verifies connectivity.
func New(ctx context.Context, addr string, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: connect to redis at %s: %w", addr, err)
	}
	cache := NewWithClient(client, logger)
	cache.logger.Info("redis connected", zap.String("addr", addr))
	return cache, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, logger: logger}
}

// Close shuts down the client.
func (cache *Cache) Close() error {
	if cache.client == nil {
		return nil
	}
	return cache.client.Close()
}

// MarkOpen records that providerID is open for cooldown on every instance.
func (cache *Cache) MarkOpen(ctx context.Context, providerID string, cooldown time.Duration) error {
	if err := cache.client.Set(ctx, breakerKeyPrefix+providerID, openMarker, cooldown).Err(); err != nil {
		return fmt.Errorf("cache: mark open %q: %w", providerID, err)
	}
	return nil
}

// IsOpen reports whether another instance opened providerID and its cooldown is still running.
func (cache *Cache) IsOpen(ctx context.Context, providerID string) (bool, error) {
	count, err := cache.client.Exists(ctx, breakerKeyPrefix+providerID).Result()
	if err != nil {
		return false, fmt.Errorf("cache: is open %q: %w", providerID, err)
	}
	return count > 0, nil
}

// Clear removes the shared open marker for providerID.
func (cache *Cache) Clear(ctx context.Context, providerID string) error {
	if err := cache.client.Del(ctx, breakerKeyPrefix+providerID).Err(); err != nil {
		return fmt.Errorf("cache: clear %q: %w", providerID, err)
	}
	return nil
}

// rateLimitLua increments the window counter and sets its TTL only on the first hit,
// so later requests never extend the window.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// Increment counts one request against a fixed window and returns the new count.
func (cache *Cache) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := rateLimitLua.Run(ctx, cache.client, []string{rateLimitKeyPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: rate limit %q: %w", key, err)
	}
	return count, nil
}

// Count returns the current count of a window, 0 once it has expired.
func (cache *Cache) Count(ctx context.Context, key string) (int64, error) {
	count, err := cache.client.Get(ctx, rateLimitKeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: rate count %q: %w", key, err)
	}
	return count, nil
}

// Load returns a stored request result.
func (cache *Cache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := cache.client.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: load %q: %w", key, err)
	}
	return value, true, nil
}

// Store saves a request result for ttl.
func (cache *Cache) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.client.Set(ctx, idempotencyKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: store %q: %w", key, err)
	}
	return nil
}
