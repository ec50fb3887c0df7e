package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/parkwise/services/pipeline/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Key prefixes
const (
	invoiceKeyPrefix  = "invoice:"
	defaultExpiration = 30 * time.Minute
	attemptExpiration = 24 * time.Hour
)

// RedisCache wraps the Redis client for invoice caching and delivery
// attempt counting.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates and pings a Redis connection
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	log.Info().Str("addr", addr).Msg("Connected to Redis")
	return &RedisCache{client: client}, nil
}

// Client exposes the underlying connection for pub/sub users
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// InvoiceKey builds the cache key for one invoice
func InvoiceKey(id string) string {
	return invoiceKeyPrefix + id
}

// Get reads a cached value into dest, returning false on a miss
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to get cache key")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, errors.Wrap(err, "failed to unmarshal cached value")
	}
	return true, nil
}

// Set writes a value with the default expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for cache")
	}
	if err := c.client.Set(ctx, key, data, defaultExpiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set cache key")
	}
	return nil
}

// Delete drops a key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "failed to delete cache key")
	}
	return nil
}

// Incr bumps the delivery attempt counter for a message and returns the new
// count. Counters expire after a day so abandoned messages do not pile up.
func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment attempt counter")
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, attemptExpiration).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to set attempt counter expiration")
		}
	}
	return count, nil
}

// Forget clears the delivery attempt counter for a message
func (c *RedisCache) Forget(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to forget attempt counter %s", key))
	}
	return nil
}

// Close shuts the connection down
func (c *RedisCache) Close() error {
	return c.client.Close()
}
