package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// breakerScript applies one operation to the breaker hash and returns the new state.
// KEYS[1] hash; ARGV: op, now_ms, failure_threshold, success_threshold, timeout_ms.
var breakerScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local op = ARGV[1]
local now = tonumber(ARGV[2])

if op == 'allow' then
  if state == 'open' then
    local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or 0) or 0
    if now - opened < tonumber(ARGV[5]) then return 'open' end
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
    return 'half-open'
  end
  return state
end

if op == 'success' then
  if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
  elseif state == 'half-open' then
    local s = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if s >= tonumber(ARGV[4]) then
      redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
      return 'closed'
    end
  end
  return state
end

if state == 'closed' then
  local f = redis.call('HINCRBY', KEYS[1], 'failures', 1)
  if f >= tonumber(ARGV[3]) then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'failures', 0)
    return 'open'
  end
elseif state == 'half-open' then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'successes', 0)
  return 'open'
end
return state
`)

// RedisBreaker shares breaker state between replicas. Redis errors fail open.
type RedisBreaker struct {
	client   *redis.Client
	provider string
	key      string
	config   Config
	now      func() time.Time
	onChange StateChangeFunc

	// observed is the last state this replica saw; transitions are reported
	// by whichever replica observes them.
	mu       sync.Mutex
	observed State
}

func NewRedis(client *redis.Client, provider string, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client:   client,
		provider: provider,
		key:      "gw:breaker:" + provider,
		config:   cfg,
		now:      time.Now,
	}
}

// WithRedis makes the manager share breaker state through Redis.
func WithRedis(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) Breaker {
			b := NewRedis(client, provider, m.config)
			b.onChange = m.onChange
			return b
		}
	}
}

func (b *RedisBreaker) run(ctx context.Context, op string) (State, error) {
	res, err := breakerScript.Run(ctx, b.client, []string{b.key},
		op,
		b.now().UnixMilli(),
		b.config.FailureThreshold,
		b.config.SuccessThreshold,
		b.config.Timeout.Milliseconds(),
	).Text()
	if err != nil {
		slog.Warn("circuit breaker redis error", "provider", b.provider, "op", op, "error", err)
		return StateClosed, err
	}
	state := parseState(res)
	b.observe(state)
	return state, nil
}

func (b *RedisBreaker) observe(state State) {
	b.mu.Lock()
	from := b.observed
	b.observed = state
	b.mu.Unlock()

	if b.onChange != nil && from != state {
		b.onChange(b.provider, from, state)
	}
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	state, err := b.run(ctx, "allow")
	if err == nil && state == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	b.run(ctx, "success")
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	b.run(ctx, "failure")
}

// Release is a no-op: the shared breaker does not cap half-open trial calls.
func (b *RedisBreaker) Release(context.Context) {}

func (b *RedisBreaker) State(ctx context.Context) State {
	res, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(res)
}
