// Package redis wraps go-redis with the hot-path accessors the scheduler
// and execution store need: keyed get/set, hash field accessors, and pub/sub
// (node-status fanout to the WebSocket hub).
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowcore/engine/internal/config"
)

// Logger is the narrow logging interface this package depends on.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps a *goredis.Client with instrumented, engine-scoped methods.
type Client struct {
	redis  *goredis.Client
	logger Logger
}

// New constructs a Client from config.
func New(cfg *config.Config, logger Logger) *Client {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &Client{redis: rdb, logger: logger}
}

// Raw exposes the underlying client for callers that need it directly
// (the WebSocket fanout's subscriber goes through PSubscribe instead).
func (c *Client) Raw() *goredis.Client { return c.redis }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.redis.Close() }

// SetWithExpiry sets a key with a TTL.
func (c *Client) SetWithExpiry(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Error("redis set failed", "key", key, "error", err)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get retrieves a key, returning ("", false, nil) on miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.redis.Del(ctx, key).Err()
}

// IncrementHash atomically increments a hash field, returning the new value.
func (c *Client) IncrementHash(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := c.redis.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrby %s.%s: %w", key, field, err)
	}
	return val, nil
}

// GetHash reads a single hash field.
func (c *Client) GetHash(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.redis.HGet(ctx, key, field).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s.%s: %w", key, field, err)
	}
	return val, true, nil
}

// SetHash writes a single hash field.
func (c *Client) SetHash(ctx context.Context, key, field string, value interface{}) error {
	return c.redis.HSet(ctx, key, field, value).Err()
}

// GetAllHash reads an entire hash.
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return val, nil
}

// PublishEvent publishes a node-status (or other) event to a channel,
// consumed by the WebSocket fanout hub's Redis subscriber.
func (c *Client) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	if err := c.redis.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a PubSub subscription to one or more exact channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	return c.redis.Subscribe(ctx, channels...)
}

// PSubscribe returns a PubSub subscription matching one or more glob
// patterns (e.g. "execution-events:*"), used by the WebSocket fanout's
// Redis subscriber to receive every Execution's events on one connection.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *goredis.PubSub {
	return c.redis.PSubscribe(ctx, patterns...)
}
