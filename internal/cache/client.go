// Package cache implements the two-tier cache service: Redis-backed KV and
// set storage, pub/sub fan-out, an in-process key registry for pattern
// invalidation, and the presence helpers used by the WebSocket fabric.
//
// The Redis driver is reached through the thin RedisClient interface below:
// the consumer declares the contract and cmd/server injects the concrete
// go-redis adapter, or the in-memory fallback when Redis is not configured.
package cache

import (
	"context"
	"time"
)

// RedisClient is the minimal driver surface the cache needs. Any client
// (go-redis, an in-memory fake) can satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	// HSetEx performs (hset, expire) as one multi command.
	HSetEx(ctx context.Context, key, field, value string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) (string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function. Delivery is FIFO per subscriber.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}
