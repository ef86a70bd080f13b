package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

func newRedisBreaker(t *testing.T, provider string, cfg Config) (*RedisBreaker, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewRedis(client, provider, cfg)
	b.now = clock.now
	return b, clock
}

func TestRedisBreaker_Lifecycle(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 5 * time.Second}
	b, clock := newRedisBreaker(t, "gemini", cfg)
	ctx := context.Background()

	if b.State(ctx) != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State(ctx))
	}

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	if b.State(ctx) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(ctx))
	}
	if err := b.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("Allow() = %v, want ErrCircuitBreakerOpen", err)
	}

	clock.advance(5 * time.Second)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("Allow() after timeout = %v", err)
	}
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(ctx))
	}

	b.RecordSuccess(ctx)
	b.RecordSuccess(ctx)
	if b.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, got %v", b.State(ctx))
	}
}

func TestRedisBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}
	b, clock := newRedisBreaker(t, "grok", cfg)
	ctx := context.Background()

	b.RecordFailure(ctx)
	clock.advance(time.Second)
	b.Allow(ctx)
	b.RecordFailure(ctx)

	if b.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen, got %v", b.State(ctx))
	}
}

func TestRedisBreaker_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	a := NewManager(cfg, WithRedis(client))
	b := NewManager(cfg, WithRedis(client))

	a.Get("qwen").RecordFailure(ctx)
	b.Get("qwen").RecordFailure(ctx)

	if err := a.Get("qwen").Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitBreakerOpen", err)
	}
}

func TestRedisBreaker_FailsOpenOnRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	b := NewRedis(client, "openai", DefaultConfig())
	if err := b.Allow(context.Background()); err != nil {
		t.Errorf("Allow() with redis down = %v, want nil", err)
	}
}

func TestRedisBreaker_ReportsObservedTransitions(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second}
	b, clock := newRedisBreaker(t, "openai", cfg)
	ctx := context.Background()

	var seen []State
	b.onChange = func(provider string, from, to State) {
		if provider != "openai" {
			t.Errorf("provider = %q", provider)
		}
		seen = append(seen, to)
	}

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	clock.advance(time.Second)
	b.Allow(ctx)
	b.RecordSuccess(ctx)

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}
