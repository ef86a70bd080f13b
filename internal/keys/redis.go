package keys

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// SecretSealer protects key secrets at rest.
type SecretSealer interface {
	Seal(ownerID, secret string) (string, error)
	Open(ownerID, sealed string) (string, error)
}

// RedisManager shares one key pool between gateway replicas. Every mutation is
// a single Lua script, so selection and quota reservation stay atomic across
// processes.
type RedisManager struct {
	client *redis.Client
	sealer SecretSealer
	prefix string
	now    func() time.Time
}

func NewRedisManager(client *redis.Client, sealer SecretSealer) *RedisManager {
	return &RedisManager{
		client: client,
		sealer: sealer,
		prefix: "gw:keys:",
		now:    time.Now,
	}
}

func (m *RedisManager) poolKey(provider string) string { return m.prefix + "pool:" + provider }
func (m *RedisManager) keyPrefix() string              { return m.prefix + "key:" }
func (m *RedisManager) hashKey(id string) string       { return m.keyPrefix() + id }

// selectScript picks the least-recently-used eligible key and reserves one unit.
// Returns {status, id, retry_at_ms}.
var selectScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
if #ids == 0 then return {'none', '', '0'} end
local now = tonumber(ARGV[1])
local day = ARGV[2]
local minute = ARGV[3]
local prefix = ARGV[4]
local best = nil
local bestLast = 0
local retryAt = 0
for _, id in ipairs(ids) do
  local f = redis.call('HMGET', prefix .. id, 'active', 'quota', 'used', 'day', 'limited_until', 'last_used', 'rpm', 'rpm_window', 'rpm_count')
  local quota = tonumber(f[2] or 0) or 0
  local used = tonumber(f[3] or 0) or 0
  if f[4] ~= day then used = 0 end
  local limited = tonumber(f[5] or 0) or 0
  local last = tonumber(f[6] or 0) or 0
  local rpm = tonumber(f[7] or 0) or 0
  local rpmCount = tonumber(f[9] or 0) or 0
  if f[8] ~= minute then rpmCount = 0 end
  if f[1] == '1' and (quota <= 0 or used < quota) then
    if limited > now then
      if retryAt == 0 or limited < retryAt then retryAt = limited end
    elseif rpm > 0 and rpmCount >= rpm then
      local nextWindow = (tonumber(minute) + 1) * 60000
      if retryAt == 0 or nextWindow < retryAt then retryAt = nextWindow end
    elseif best == nil or last < bestLast then
      best = id
      bestLast = last
    end
  end
end
if best == nil then return {'quota', '', tostring(retryAt)} end
local k = prefix .. best
if redis.call('HGET', k, 'day') ~= day then redis.call('HSET', k, 'day', day, 'used', 0) end
if redis.call('HGET', k, 'rpm_window') ~= minute then redis.call('HSET', k, 'rpm_window', minute, 'rpm_count', 0) end
redis.call('HINCRBY', k, 'used', 1)
redis.call('HINCRBY', k, 'rpm_count', 1)
redis.call('HSET', k, 'last_used', ARGV[1])
return {'ok', best, '0'}
`)

// usageScript is the single-key check-and-increment. Returns 1, 0 when not usable, -1 when missing.
var usageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local now = tonumber(ARGV[1])
local day = ARGV[2]
local minute = ARGV[3]
local f = redis.call('HMGET', KEYS[1], 'active', 'quota', 'used', 'day', 'limited_until', 'rpm', 'rpm_window', 'rpm_count')
local quota = tonumber(f[2] or 0) or 0
local used = tonumber(f[3] or 0) or 0
if f[4] ~= day then used = 0 end
local limited = tonumber(f[5] or 0) or 0
local rpm = tonumber(f[6] or 0) or 0
local rpmCount = tonumber(f[8] or 0) or 0
if f[7] ~= minute then rpmCount = 0 end
if f[1] ~= '1' or (quota > 0 and used >= quota) or limited > now or (rpm > 0 and rpmCount >= rpm) then
  return 0
end
redis.call('HSET', KEYS[1], 'day', day, 'used', used + 1, 'rpm_window', minute, 'rpm_count', rpmCount + 1, 'last_used', ARGV[1])
return 1
`)

// cooldownScript extends limited_until, never shortening it.
var cooldownScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local current = tonumber(redis.call('HGET', KEYS[1], 'limited_until') or 0) or 0
local untilMs = tonumber(ARGV[1])
if untilMs > current then redis.call('HSET', KEYS[1], 'limited_until', ARGV[1]) end
return 1
`)

var addScript = redis.NewScript(`
local created = redis.call('HSETNX', KEYS[1], 'provider', ARGV[1])
redis.call('HSET', KEYS[1], 'secret', ARGV[2], 'quota', ARGV[3], 'active', ARGV[4], 'rpm', ARGV[5])
if created == 1 then
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], seq, ARGV[6])
end
return created
`)

func (m *RedisManager) Add(ctx context.Context, keys ...domain.ProviderAPIKey) error {
	for _, k := range keys {
		if k.ID == "" || k.Provider == "" {
			return fmt.Errorf("add key: id and provider are required: %w", domain.ErrInvalidRequest)
		}
		secret := k.Secret
		if m.sealer != nil {
			sealed, err := m.sealer.Seal(k.ID, k.Secret)
			if err != nil {
				return fmt.Errorf("seal key %s: %w", k.ID, err)
			}
			secret = sealed
		}
		err := addScript.Run(ctx, m.client,
			[]string{m.hashKey(k.ID), m.poolKey(k.Provider), m.prefix + "seq"},
			k.Provider, secret, k.DailyQuota, boolFlag(k.Active), k.RPM, k.ID,
		).Err()
		if err != nil {
			return fmt.Errorf("add key %s: %w", k.ID, err)
		}
	}
	return nil
}

func (m *RedisManager) SelectKey(ctx context.Context, provider string) (domain.ProviderAPIKey, error) {
	now := m.now()
	res, err := selectScript.Run(ctx, m.client, []string{m.poolKey(provider)},
		now.UnixMilli(), usageDay(now), minuteWindow(now), m.keyPrefix(),
	).StringSlice()
	if err != nil {
		return domain.ProviderAPIKey{}, fmt.Errorf("select key for %s: %w", provider, err)
	}

	switch res[0] {
	case "none":
		return domain.ProviderAPIKey{}, fmt.Errorf("select key for %s: %w", provider, domain.ErrNoKeyAvailable)
	case "quota":
		qe := &domain.QuotaError{Provider: provider}
		if ms, _ := strconv.ParseFloat(res[2], 64); ms > 0 {
			qe.RetryAt = time.UnixMilli(int64(ms))
		}
		return domain.ProviderAPIKey{}, qe
	}
	return m.load(ctx, res[1], usageDay(now))
}

func (m *RedisManager) RecordUsage(ctx context.Context, keyID string) error {
	now := m.now()
	n, err := usageScript.Run(ctx, m.client, []string{m.hashKey(keyID)},
		now.UnixMilli(), usageDay(now), minuteWindow(now),
	).Int()
	if err != nil {
		return fmt.Errorf("record usage %s: %w", keyID, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("record usage %s: %w", keyID, domain.ErrKeyNotFound)
	case 0:
		return fmt.Errorf("record usage %s: %w", keyID, domain.ErrQuotaExceeded)
	}
	return nil
}

func (m *RedisManager) ReportRateLimited(ctx context.Context, keyID string, cooldown time.Duration) error {
	until := m.now().Add(cooldown).UnixMilli()
	n, err := cooldownScript.Run(ctx, m.client, []string{m.hashKey(keyID)}, until).Int()
	if err != nil {
		return fmt.Errorf("report rate limited %s: %w", keyID, err)
	}
	if n == -1 {
		return fmt.Errorf("report rate limited %s: %w", keyID, domain.ErrKeyNotFound)
	}
	return nil
}

func (m *RedisManager) Keys(ctx context.Context, provider string) ([]domain.ProviderAPIKey, error) {
	ids, err := m.client.ZRange(ctx, m.poolKey(provider), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys for %s: %w", provider, err)
	}
	day := usageDay(m.now())
	out := make([]domain.ProviderAPIKey, 0, len(ids))
	for _, id := range ids {
		k, err := m.load(ctx, id, day)
		if errors.Is(err, domain.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (m *RedisManager) load(ctx context.Context, id, day string) (domain.ProviderAPIKey, error) {
	f, err := m.client.HGetAll(ctx, m.hashKey(id)).Result()
	if err != nil {
		return domain.ProviderAPIKey{}, fmt.Errorf("load key %s: %w", id, err)
	}
	if len(f) == 0 {
		return domain.ProviderAPIKey{}, fmt.Errorf("load key %s: %w", id, domain.ErrKeyNotFound)
	}

	k := domain.ProviderAPIKey{
		ID:           id,
		Provider:     f["provider"],
		Secret:       f["secret"],
		DailyQuota:   atoi(f["quota"]),
		Active:       f["active"] == "1",
		RPM:          atoi(f["rpm"]),
		UsageDay:     day,
		LimitedUntil: millis(f["limited_until"]),
		LastUsed:     millis(f["last_used"]),
	}
	if f["day"] == day {
		k.UsedToday = atoi(f["used"])
	}
	if m.sealer != nil {
		secret, err := m.sealer.Open(id, k.Secret)
		if err != nil {
			return domain.ProviderAPIKey{}, fmt.Errorf("open key %s: %w", id, err)
		}
		k.Secret = secret
	}
	return k, nil
}

func minuteWindow(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli()/60000, 10)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
