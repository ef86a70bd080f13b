package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript trims the sorted set to the window and records the request
// only when it is admitted.
// KEYS[1] window set. ARGV: now_ms, window_ms, limit, member.
// Returns {allowed, count, oldest_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - win)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, win)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, int, time.Time, error) {
	now := r.now()
	key := "gw:ratelimit:" + tenantID
	member := strconv.FormatInt(now.UnixNano(), 10)

	res, err := allowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit %s: %w", tenantID, err)
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]
	remaining := max(limit-count, 0)
	resetAt := time.UnixMilli(oldest).Add(window)

	return allowed, remaining, resetAt, nil
}
