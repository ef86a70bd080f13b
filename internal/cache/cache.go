// Package cache memoizes plugin results. It supports an in-memory backend for
// a single instance and Redis for results shared between replicas.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores plugin outputs by key. Only successful results are cached.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, output string, ttl time.Duration) error
}

// GenerateCacheKey hashes the plugin id and its arguments. Arguments are
// canonicalized first so key order and whitespace do not matter.
func GenerateCacheKey(pluginID string, args json.RawMessage) string {
	canonical := []byte(args)
	var v any
	if err := json.Unmarshal(args, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}

	h := sha256.New()
	h.Write([]byte(pluginID))
	h.Write([]byte{0})
	h.Write(canonical)
	return "plugin:" + pluginID + ":" + hex.EncodeToString(h.Sum(nil))
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	done  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	output    string
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
		done:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return "", false
	}

	if time.Now().After(item.expiresAt) {
		return "", false
	}

	return item.output, true
}

func (c *InMemoryCache) Set(_ context.Context, key, output string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		output:    output,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Close stops the background cleanup.
func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache shares the process-wide client; it does not own it.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "gw:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	out, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return "", false
	}
	return out, true
}

func (c *RedisCache) Set(ctx context.Context, key, output string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, output, ttl).Err()
}
