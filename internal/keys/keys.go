// Package keys manages the pool of provider API keys: daily quotas,
// rate-limit cooldowns and least-recently-used rotation.
package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Manager is safe for concurrent use. SelectKey and RecordUsage each check and
// consume quota in a single critical section.
type Manager interface {
	Add(ctx context.Context, keys ...domain.ProviderAPIKey) error
	SelectKey(ctx context.Context, provider string) (domain.ProviderAPIKey, error)
	RecordUsage(ctx context.Context, keyID string) error
	ReportRateLimited(ctx context.Context, keyID string, cooldown time.Duration) error
	Keys(ctx context.Context, provider string) ([]domain.ProviderAPIKey, error)
}

func usageDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func underQuota(k *domain.ProviderAPIKey) bool {
	return k.DailyQuota <= 0 || k.UsedToday < k.DailyQuota
}

type InMemoryManager struct {
	mu         sync.Mutex
	keys       map[string]*entry
	byProvider map[string][]string
	now        func() time.Time
}

type entry struct {
	key     domain.ProviderAPIKey
	limiter *rate.Limiter
}

type Option func(*InMemoryManager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *InMemoryManager) { m.now = now }
}

func NewInMemoryManager(opts ...Option) *InMemoryManager {
	m := &InMemoryManager{
		keys:       make(map[string]*entry),
		byProvider: make(map[string][]string),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers keys. Re-adding an existing id updates its configuration and keeps its counters.
func (m *InMemoryManager) Add(_ context.Context, keys ...domain.ProviderAPIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		if k.ID == "" || k.Provider == "" {
			return fmt.Errorf("add key: id and provider are required: %w", domain.ErrInvalidRequest)
		}
		if e, ok := m.keys[k.ID]; ok {
			e.key.Secret = k.Secret
			e.key.DailyQuota = k.DailyQuota
			e.key.Active = k.Active
			if e.key.RPM != k.RPM {
				e.key.RPM = k.RPM
				e.limiter = newLimiter(k.RPM)
			}
			continue
		}
		m.keys[k.ID] = &entry{key: k, limiter: newLimiter(k.RPM)}
		m.byProvider[k.Provider] = append(m.byProvider[k.Provider], k.ID)
	}
	return nil
}

func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
}

func (m *InMemoryManager) SelectKey(_ context.Context, provider string) (domain.ProviderAPIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byProvider[provider]
	if len(ids) == 0 {
		return domain.ProviderAPIKey{}, fmt.Errorf("select key for %s: %w", provider, domain.ErrNoKeyAvailable)
	}

	now := m.now()
	day := usageDay(now)

	var best *entry
	var retryAt time.Time
	for _, id := range ids {
		e := m.keys[id]
		e.rollover(day)

		if !e.key.Active || !underQuota(&e.key) {
			continue
		}
		if now.Before(e.key.LimitedUntil) {
			retryAt = earliest(retryAt, e.key.LimitedUntil)
			continue
		}
		if wait := e.paceDelay(now); wait > 0 {
			retryAt = earliest(retryAt, now.Add(wait))
			continue
		}
		if best == nil || e.key.LastUsed.Before(best.key.LastUsed) {
			best = e
		}
	}

	if best == nil {
		return domain.ProviderAPIKey{}, &domain.QuotaError{Provider: provider, RetryAt: retryAt}
	}

	best.consume(now)
	return best.key, nil
}

func (m *InMemoryManager) RecordUsage(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("record usage %s: %w", keyID, domain.ErrKeyNotFound)
	}

	now := m.now()
	e.rollover(usageDay(now))

	if !e.key.Active || !underQuota(&e.key) || now.Before(e.key.LimitedUntil) || e.paceDelay(now) > 0 {
		return fmt.Errorf("record usage %s: %w", keyID, domain.ErrQuotaExceeded)
	}

	e.consume(now)
	return nil
}

func (m *InMemoryManager) ReportRateLimited(_ context.Context, keyID string, cooldown time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("report rate limited %s: %w", keyID, domain.ErrKeyNotFound)
	}

	until := m.now().Add(cooldown)
	if until.After(e.key.LimitedUntil) {
		e.key.LimitedUntil = until
	}
	return nil
}

func (m *InMemoryManager) Keys(_ context.Context, provider string) ([]domain.ProviderAPIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := usageDay(m.now())
	out := make([]domain.ProviderAPIKey, 0, len(m.byProvider[provider]))
	for _, id := range m.byProvider[provider] {
		e := m.keys[id]
		e.rollover(day)
		out = append(out, e.key)
	}
	return out, nil
}

func (e *entry) rollover(day string) {
	if e.key.UsageDay != day {
		e.key.UsageDay = day
		e.key.UsedToday = 0
	}
}

func (e *entry) paceDelay(now time.Time) time.Duration {
	if e.limiter == nil {
		return 0
	}
	tokens := e.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(e.limiter.Limit()) * float64(time.Second))
}

func (e *entry) consume(now time.Time) {
	e.key.UsedToday++
	e.key.LastUsed = now
	if e.limiter != nil {
		e.limiter.AllowN(now, 1)
	}
}

func earliest(current, candidate time.Time) time.Time {
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}
