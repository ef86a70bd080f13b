package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_TTL(t *testing.T) {
	d := NewInMemoryDeduplicator(time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if !d.ShouldSend(ctx, "k") {
		t.Fatal("first alert suppressed")
	}
	if d.ShouldSend(ctx, "k") {
		t.Error("repeat within TTL not suppressed")
	}
	now = now.Add(time.Minute)
	if !d.ShouldSend(ctx, "k") {
		t.Error("alert after TTL suppressed")
	}
}

func TestRedisDeduplicator_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisDeduplicator(client, time.Minute)
	b := NewRedisDeduplicator(client, time.Minute)

	if !a.ShouldSend(ctx, "key_pool_exhausted:openai") {
		t.Fatal("first alert suppressed")
	}
	if b.ShouldSend(ctx, "key_pool_exhausted:openai") {
		t.Error("second instance sent the same alert")
	}

	mr.FastForward(time.Minute)
	if !b.ShouldSend(ctx, "key_pool_exhausted:openai") {
		t.Error("alert after TTL suppressed")
	}
}

func TestDedup_ProviderUpResetsOutage(t *testing.T) {
	sink := NewInMemoryNotifier()
	n := Dedup(sink, NewInMemoryDeduplicator(time.Hour))
	ctx := context.Background()

	n.Send(ctx, Notification{Type: NotificationProviderDown, Provider: "openai"})
	n.Send(ctx, Notification{Type: NotificationProviderDown, Provider: "openai"})
	n.Send(ctx, Notification{Type: NotificationProviderDown, Provider: "anthropic"})
	n.Send(ctx, Notification{Type: NotificationProviderUp, Provider: "openai"})
	n.Send(ctx, Notification{Type: NotificationProviderDown, Provider: "openai"})

	if got := len(sink.OfType(NotificationProviderDown)); got != 3 {
		t.Errorf("provider_down delivered %d times, want 3", got)
	}
	if got := len(sink.OfType(NotificationProviderUp)); got != 1 {
		t.Errorf("provider_up delivered %d times, want 1", got)
	}
}
