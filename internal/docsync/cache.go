package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the fast tier in front of the durable snapshot store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// SetNX stores data only when key holds no live value and reports
	// whether it did.
	SetNX(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryCache is a process-local Cache with per-key expiry.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memoryItem{}, now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expires.IsZero() && !c.now().Before(item.expires) {
		delete(c.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), item.data...), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, data, ttl)
	return nil
}

func (c *MemoryCache) SetNX(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok && (item.expires.IsZero() || c.now().Before(item.expires)) {
		return false, nil
	}
	c.setLocked(key, data, ttl)
	return true, nil
}

func (c *MemoryCache) setLocked(key string, data []byte, ttl time.Duration) {
	item := memoryItem{data: append([]byte(nil), data...)}
	if ttl > 0 {
		item.expires = c.now().Add(ttl)
	}
	c.items[key] = item
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.items, key)
	}
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }

// RedisCache stores snapshots as plain Redis string values.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, data, ttl).Result()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// BuildCacheFromDSN selects a Cache by scheme: memory://, redis:// or
// rediss://. An empty DSN yields a MemoryCache.
func BuildCacheFromDSN(dsn string) (Cache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCache(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryCache(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		return NewRedisCache(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unsupported cache scheme: %s", parsed.Scheme)
	}
}
