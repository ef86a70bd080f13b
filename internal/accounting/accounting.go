// Package accounting keeps the running token and cost totals of each chat
// session.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/cost"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
)

var ErrNegativeUsage = fmt.Errorf("%w: token counts and cost must be non-negative", domain.ErrInvalidRequest)

// Store applies usage updates atomically per session.
type Store interface {
	AddDelta(ctx context.Context, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error)
	SetAbsolute(ctx context.Context, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error)
	// Get returns zero usage for sessions that have none recorded.
	Get(ctx context.Context, sessionID string) (domain.ChatTokenUsage, error)
}

type Accountant struct {
	store    Store
	calc     *cost.Calculator
	notifier notifications.Notifier
	now      func() time.Time
}

func New(store Store, calc *cost.Calculator, notifier notifications.Notifier) *Accountant {
	if calc == nil {
		calc = cost.NewCalculator()
	}
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &Accountant{store: store, calc: calc, notifier: notifier, now: time.Now}
}

func (a *Accountant) AddDelta(ctx context.Context, sessionID string, in, out int64, costUSD float64) (domain.ChatTokenUsage, error) {
	if in < 0 || out < 0 || costUSD < 0 {
		return domain.ChatTokenUsage{}, ErrNegativeUsage
	}
	u, err := a.store.AddDelta(ctx, sessionID, in, out, costUSD, a.now())
	if err != nil {
		return domain.ChatTokenUsage{}, fmt.Errorf("add usage: %w", err)
	}
	a.publish(ctx, u, false)
	return u, nil
}

// SetAbsolute overwrites the session totals. It is reserved for authoritative
// corrections.
func (a *Accountant) SetAbsolute(ctx context.Context, sessionID string, in, out int64, costUSD float64) (domain.ChatTokenUsage, error) {
	if in < 0 || out < 0 || costUSD < 0 {
		return domain.ChatTokenUsage{}, ErrNegativeUsage
	}
	u, err := a.store.SetAbsolute(ctx, sessionID, in, out, costUSD, a.now())
	if err != nil {
		return domain.ChatTokenUsage{}, fmt.Errorf("set usage: %w", err)
	}
	a.publish(ctx, u, false)
	return u, nil
}

// RecordCall prices one provider call and adds it to the session totals.
func (a *Accountant) RecordCall(ctx context.Context, sessionID string, model domain.Model, usage domain.Usage, estimated bool) (domain.ChatTokenUsage, error) {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 || usage.Images < 0 {
		return domain.ChatTokenUsage{}, ErrNegativeUsage
	}
	costUSD := a.calc.Calculate(model.ID, usage)

	u, err := a.store.AddDelta(ctx, sessionID, int64(usage.InputTokens), int64(usage.OutputTokens), costUSD, a.now())
	if err != nil {
		return domain.ChatTokenUsage{}, fmt.Errorf("record call usage: %w", err)
	}

	metrics.RecordTokens(model.Provider, model.ID, usage.InputTokens, usage.OutputTokens)
	metrics.RecordCost(model.Provider, model.ID, costUSD)
	a.publish(ctx, u, estimated)
	return u, nil
}

func (a *Accountant) Get(ctx context.Context, sessionID string) (domain.ChatTokenUsage, error) {
	return a.store.Get(ctx, sessionID)
}

func (a *Accountant) publish(ctx context.Context, u domain.ChatTokenUsage, estimated bool) {
	err := a.notifier.Send(ctx, notifications.Notification{
		Type:      notifications.NotificationUsageUpdated,
		SessionID: u.SessionID,
		Data: map[string]any{
			"input_tokens":  u.InputTokens,
			"output_tokens": u.OutputTokens,
			"cost_usd":      u.CostUSD,
			"estimated":     estimated,
		},
		Timestamp: u.UpdatedAt,
	})
	if err != nil {
		slog.Warn("usage notification failed", "session_id", u.SessionID, "error", err)
	}
}

type sessionUsage struct {
	mu    sync.Mutex
	usage domain.ChatTokenUsage
}

// MemoryStore serializes updates per session; different sessions never
// contend.
type MemoryStore struct {
	sessions sync.Map // session id -> *sessionUsage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) entry(sessionID string) *sessionUsage {
	e, _ := s.sessions.LoadOrStore(sessionID, &sessionUsage{usage: domain.ChatTokenUsage{SessionID: sessionID}})
	return e.(*sessionUsage)
}

func (s *MemoryStore) AddDelta(_ context.Context, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error) {
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usage.InputTokens += in
	e.usage.OutputTokens += out
	e.usage.CostUSD += costUSD
	e.usage.UpdatedAt = at
	return e.usage, nil
}

func (s *MemoryStore) SetAbsolute(_ context.Context, sessionID string, in, out int64, costUSD float64, at time.Time) (domain.ChatTokenUsage, error) {
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usage.InputTokens = in
	e.usage.OutputTokens = out
	e.usage.CostUSD = costUSD
	e.usage.UpdatedAt = at
	return e.usage, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (domain.ChatTokenUsage, error) {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return domain.ChatTokenUsage{SessionID: sessionID}, nil
	}
	e := v.(*sessionUsage)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage, nil
}
