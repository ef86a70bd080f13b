package keys

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/crypto"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type managerFactory func(t *testing.T, c *clock) Manager

func newInMemory(t *testing.T, c *clock) Manager {
	return NewInMemoryManager(WithClock(c.Now))
}

func newRedis(t *testing.T, c *clock) Manager {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sealer, err := crypto.NewSealer("test-passphrase")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	m := NewRedisManager(client, sealer)
	m.now = c.Now
	return m
}

var factories = map[string]managerFactory{
	"memory": newInMemory,
	"redis":  newRedis,
}

func pool(provider string, n, quota int) []domain.ProviderAPIKey {
	out := make([]domain.ProviderAPIKey, n)
	for i := range out {
		out[i] = domain.ProviderAPIKey{
			ID:         provider + "-" + string(rune('a'+i)),
			Provider:   provider,
			Secret:     "sk-" + string(rune('a'+i)),
			DailyQuota: quota,
			Active:     true,
		}
	}
	return out
}

func forEachManager(t *testing.T, fn func(t *testing.T, m Manager, c *clock)) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			fn(t, factory(t, c), c)
		})
	}
}

func TestManager_NoKeys(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		_, err := m.SelectKey(context.Background(), "openai")
		if !errors.Is(err, domain.ErrNoKeyAvailable) {
			t.Errorf("expected ErrNoKeyAvailable, got %v", err)
		}
	})
}

func TestManager_LeastRecentlyUsed(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		if err := m.Add(ctx, pool("openai", 3, 10)...); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		var got []string
		for i := 0; i < 6; i++ {
			k, err := m.SelectKey(ctx, "openai")
			if err != nil {
				t.Fatalf("SelectKey() error = %v", err)
			}
			got = append(got, k.ID)
			c.Advance(time.Second)
		}

		want := []string{"openai-a", "openai-b", "openai-c", "openai-a", "openai-b", "openai-c"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("rotation = %v, want %v", got, want)
			}
		}
	})
}

func TestManager_SelectReturnsSecret(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("anthropic", 1, 10)...)

		k, err := m.SelectKey(ctx, "anthropic")
		if err != nil {
			t.Fatalf("SelectKey() error = %v", err)
		}
		if k.Secret != "sk-a" || k.UsedToday != 1 {
			t.Errorf("unexpected key %+v", k)
		}
	})
}

func TestManager_QuotaProperty(t *testing.T) {
	const (
		n       = 4
		quota   = 25
		workers = 16
	)

	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("gemini", n, quota)...)

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, err := m.SelectKey(ctx, "gemini")
					if errors.Is(err, domain.ErrQuotaExceeded) {
						return
					}
					if err != nil {
						t.Errorf("SelectKey() error = %v", err)
						return
					}
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()

		if accepted.Load() != n*quota {
			t.Errorf("accepted %d selections, want %d", accepted.Load(), n*quota)
		}

		keys, _ := m.Keys(ctx, "gemini")
		total := 0
		for _, k := range keys {
			if k.UsedToday > k.DailyQuota {
				t.Errorf("key %s used %d over quota %d", k.ID, k.UsedToday, k.DailyQuota)
			}
			total += k.UsedToday
		}
		if int64(total) != accepted.Load() {
			t.Errorf("counter sum %d != accepted %d", total, accepted.Load())
		}

		var qe *domain.QuotaError
		_, err := m.SelectKey(ctx, "gemini")
		if !errors.As(err, &qe) || !qe.RetryAt.IsZero() {
			t.Errorf("expected QuotaError without retry time, got %v", err)
		}
	})
}

func TestManager_RecordUsage(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("grok", 1, 2)...)

		if err := m.RecordUsage(ctx, "grok-a"); err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
		if err := m.RecordUsage(ctx, "grok-a"); err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
		if err := m.RecordUsage(ctx, "grok-a"); !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Errorf("expected ErrQuotaExceeded, got %v", err)
		}
		if err := m.RecordUsage(ctx, "missing"); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})
}

func TestManager_CooldownExcludesThenIncludes(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("openai", 2, 100)...)

		if err := m.ReportRateLimited(ctx, "openai-a", 5*time.Second); err != nil {
			t.Fatalf("ReportRateLimited() error = %v", err)
		}

		for i := 0; i < 5; i++ {
			k, err := m.SelectKey(ctx, "openai")
			if err != nil {
				t.Fatalf("SelectKey() error = %v", err)
			}
			if k.ID == "openai-a" {
				t.Fatalf("rate limited key selected at +%ds", i)
			}
			if err := m.RecordUsage(ctx, "openai-a"); !errors.Is(err, domain.ErrQuotaExceeded) {
				t.Errorf("RecordUsage on cooling key: expected ErrQuotaExceeded, got %v", err)
			}
			c.Advance(999 * time.Millisecond)
		}

		c.Advance(100 * time.Millisecond)
		k, err := m.SelectKey(ctx, "openai")
		if err != nil {
			t.Fatalf("SelectKey() error = %v", err)
		}
		if k.ID != "openai-a" {
			t.Errorf("expected openai-a back after cooldown, got %s", k.ID)
		}
	})
}

func TestManager_AllCoolingReportsRetryAt(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("qwen", 2, 100)...)
		m.ReportRateLimited(ctx, "qwen-a", 10*time.Second)
		m.ReportRateLimited(ctx, "qwen-b", 3*time.Second)

		_, err := m.SelectKey(ctx, "qwen")
		var qe *domain.QuotaError
		if !errors.As(err, &qe) {
			t.Fatalf("expected QuotaError, got %v", err)
		}
		if want := c.Now().Add(3 * time.Second); !qe.RetryAt.Equal(want) {
			t.Errorf("RetryAt = %v, want %v", qe.RetryAt, want)
		}
		if !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Error("QuotaError must match ErrQuotaExceeded")
		}
	})
}

func TestManager_ReportRateLimitedKeepsLongest(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("deepseek", 1, 100)...)

		m.ReportRateLimited(ctx, "deepseek-a", 30*time.Second)
		m.ReportRateLimited(ctx, "deepseek-a", 2*time.Second)

		c.Advance(10 * time.Second)
		if _, err := m.SelectKey(ctx, "deepseek"); !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Errorf("shorter report must not shorten cooldown, got %v", err)
		}

		if err := m.ReportRateLimited(ctx, "nope", time.Second); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})
}

func TestManager_DailyReset(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("flux", 1, 1)...)

		if _, err := m.SelectKey(ctx, "flux"); err != nil {
			t.Fatalf("SelectKey() error = %v", err)
		}
		if _, err := m.SelectKey(ctx, "flux"); !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Fatalf("expected ErrQuotaExceeded, got %v", err)
		}

		c.Advance(12 * time.Hour)
		k, err := m.SelectKey(ctx, "flux")
		if err != nil {
			t.Fatalf("expected quota reset at UTC midnight, got %v", err)
		}
		if k.UsedToday != 1 || k.UsageDay != "2026-03-11" {
			t.Errorf("unexpected counters %+v", k)
		}
	})
}

func TestManager_InactiveKeySkipped(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		keys := pool("imagen", 2, 10)
		keys[0].Active = false
		m.Add(ctx, keys...)

		for i := 0; i < 3; i++ {
			k, err := m.SelectKey(ctx, "imagen")
			if err != nil {
				t.Fatalf("SelectKey() error = %v", err)
			}
			if k.ID != "imagen-b" {
				t.Errorf("inactive key selected")
			}
		}
	})
}

func TestManager_RPMPacing(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		keys := pool("openai", 1, 100)
		keys[0].RPM = 2
		m.Add(ctx, keys...)

		for i := 0; i < 2; i++ {
			if _, err := m.SelectKey(ctx, "openai"); err != nil {
				t.Fatalf("SelectKey() %d error = %v", i, err)
			}
		}

		_, err := m.SelectKey(ctx, "openai")
		var qe *domain.QuotaError
		if !errors.As(err, &qe) || qe.RetryAt.IsZero() {
			t.Fatalf("expected paced QuotaError with retry time, got %v", err)
		}

		c.Advance(time.Minute)
		if _, err := m.SelectKey(ctx, "openai"); err != nil {
			t.Errorf("expected key available after a minute, got %v", err)
		}
	})
}

func TestManager_AddKeepsCounters(t *testing.T) {
	forEachManager(t, func(t *testing.T, m Manager, c *clock) {
		ctx := context.Background()
		m.Add(ctx, pool("openai", 1, 5)...)
		m.SelectKey(ctx, "openai")

		updated := pool("openai", 1, 50)
		updated[0].Secret = "sk-rotated"
		m.Add(ctx, updated...)

		keys, _ := m.Keys(ctx, "openai")
		if len(keys) != 1 {
			t.Fatalf("expected 1 key, got %d", len(keys))
		}
		if keys[0].UsedToday != 1 || keys[0].DailyQuota != 50 || keys[0].Secret != "sk-rotated" {
			t.Errorf("unexpected key after re-add %+v", keys[0])
		}
	})
}

func TestRedisManager_SecretsSealedAtRest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sealer, _ := crypto.NewSealer("passphrase")
	m := NewRedisManager(client, sealer)
	m.Add(context.Background(), pool("openai", 1, 10)...)

	raw := mr.HGet("gw:keys:key:openai-a", "secret")
	if raw == "" || raw == "sk-a" {
		t.Errorf("secret stored in clear: %q", raw)
	}
}
