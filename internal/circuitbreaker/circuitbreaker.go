// Package circuitbreaker fails provider calls fast while a provider is unhealthy.
//
// A breaker is closed until FailureThreshold consecutive failures, then open
// for Timeout, then half-open: a limited number of trial calls go through and
// SuccessThreshold successes close it again, while any failure reopens it.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

type Breaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen when the call must not be attempted.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	// Release ends an allowed call that produced no health signal, such as
	// a rate-limited or abandoned attempt.
	Release(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// HalfOpenMaxCalls caps concurrent calls while half-open; 0 means unlimited.
	HalfOpenMaxCalls int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// StateChangeFunc observes transitions, e.g. to export them as metrics.
type StateChangeFunc func(provider string, from, to State)

type InMemoryBreaker struct {
	mu        sync.Mutex
	provider  string
	config    Config
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time
	now       func() time.Time
	onChange  StateChangeFunc
}

func NewInMemory(provider string, cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{provider: provider, config: cfg, now: time.Now}
}

func (b *InMemoryBreaker) Allow(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.config.Timeout {
			return domain.ErrCircuitBreakerOpen
		}
		b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.config.HalfOpenMaxCalls > 0 && b.trials >= b.config.HalfOpenMaxCalls {
			return domain.ErrCircuitBreakerOpen
		}
		b.trials++
	}
	return nil
}

func (b *InMemoryBreaker) RecordSuccess(_ context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.trials > 0 {
			b.trials--
		}
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *InMemoryBreaker) RecordFailure(_ context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *InMemoryBreaker) Release(_ context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

func (b *InMemoryBreaker) State(_ context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *InMemoryBreaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.trials = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil && from != to {
		b.onChange(b.provider, from, to)
	}
}

// Manager hands out one breaker per provider.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]Breaker
	config   Config
	factory  func(provider string) Breaker
	onChange StateChangeFunc
}

type ManagerOption func(*Manager)

func WithStateChange(fn StateChangeFunc) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) Breaker {
			b := NewInMemory(provider, m.config)
			b.now = now
			b.onChange = m.onChange
			return b
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]Breaker),
		config:   cfg,
	}
	m.factory = func(provider string) Breaker {
		b := NewInMemory(provider, m.config)
		b.onChange = m.onChange
		return b
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(provider string) Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[provider]
	if !ok {
		b = m.factory(provider)
		m.breakers[provider] = b
	}
	return b
}

func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.Lock()
	breakers := make(map[string]Breaker, len(m.breakers))
	for id, b := range m.breakers {
		breakers[id] = b
	}
	m.mu.Unlock()

	states := make(map[string]string, len(breakers))
	for id, b := range breakers {
		states[id] = b.State(ctx).String()
	}
	return states
}
