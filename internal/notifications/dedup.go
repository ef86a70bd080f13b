package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator decides whether an alert was already sent recently, by this or
// another instance.
type Deduplicator interface {
	ShouldSend(ctx context.Context, key string) bool
	Clear(ctx context.Context, key string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	sent map[string]time.Time
	now  func() time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{ttl: ttl, sent: make(map[string]time.Time), now: time.Now}
}

func (d *InMemoryDeduplicator) ShouldSend(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.sent[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.sent[key] = now
	return true
}

func (d *InMemoryDeduplicator) Clear(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, key)
}

// RedisDeduplicator uses SETNX so only one replica sends each alert per TTL.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl, prefix: "gw:alert:"}
}

// ShouldSend fails open on Redis errors.
func (d *RedisDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, key string) {
	d.client.Del(ctx, d.prefix+key)
}

type deduplicated struct {
	next  Notifier
	dedup Deduplicator
}

// Dedup suppresses repeats of the same alert type for the same provider.
// provider_up and provider_down clear each other so every flip is delivered.
func Dedup(next Notifier, d Deduplicator) Notifier {
	return &deduplicated{next: next, dedup: d}
}

func alertKey(t NotificationType, provider string) string {
	return string(t) + ":" + provider
}

func (n *deduplicated) Send(ctx context.Context, notification Notification) error {
	switch notification.Type {
	case NotificationProviderUp:
		n.dedup.Clear(ctx, alertKey(NotificationProviderDown, notification.Provider))
	case NotificationProviderDown:
		n.dedup.Clear(ctx, alertKey(NotificationProviderUp, notification.Provider))
	}
	if !n.dedup.ShouldSend(ctx, alertKey(notification.Type, notification.Provider)) {
		return nil
	}
	return n.next.Send(ctx, notification)
}
