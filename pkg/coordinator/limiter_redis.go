package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple coordinator instances share one budget per agent.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore shares per-agent token buckets across instances.
type RedisLimiterStore struct {
	client *redis.Client
	rps    float64
	burst  int
}

func NewRedisLimiterStore(addr, password string, db int, rps float64, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    rps,
		burst:  burst,
	}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actor string) (bool, error) {
	key := "limiter:" + actor
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, s.rps, s.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

func (s *RedisLimiterStore) Close() error { return s.client.Close() }
