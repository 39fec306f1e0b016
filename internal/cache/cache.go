package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheUnavailable is returned when Redis cannot be reached. Callers
	// must treat it as fatal for the operation; a silently degrading cache
	// would break the set-if-absent guarantees idempotency depends on.
	ErrCacheUnavailable = errors.New("cache unavailable")

	ErrNotFound = errors.New("cache key not found")
)

// Key namespaces. Idempotency markers, distributed locks and memoized
// results never collide because every caller goes through these helpers.
func IdemKey(key string) string  { return "engine:idem:" + key }
func LockKey(name string) string { return "engine:lock:" + name }
func MemoKey(hash string) string { return "engine:memo:" + hash }

type Cache struct {
	client *redis.Client
}

func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrCacheUnavailable, key, err)
	}
	return data, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrCacheUnavailable, key, err)
	}
	return nil
}

// SetIfAbsent atomically stores value under key only when the key does not
// exist. Returns true when this call created the entry.
func (c *Cache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrCacheUnavailable, key, err)
	}
	return ok, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrCacheUnavailable, key, err)
	}
	return nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", ErrCacheUnavailable, key, err)
	}
	return nil
}
