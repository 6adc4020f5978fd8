package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript prunes, checks and records in one step.
// KEYS[1] bucket key; ARGV: now ms, window ms, max, member.
// Returns {recorded, count, oldest ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
local recorded = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  recorded = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {recorded, count, oldest}
`)

// RedisStore keeps buckets in Redis sorted sets so that limits are shared
// across instances. Buckets expire after one idle window.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses "ratelimit".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Take implements Store
func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Window, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{fmt.Sprintf("%s:%s", s.prefix, key)},
		nowMs, window.Milliseconds(), max, fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
	).Result()
	if err != nil {
		return Window{}, fmt.Errorf("redis error: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Window{}, fmt.Errorf("unexpected script result %v", res)
	}
	recorded, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldest, _ := vals[2].(int64)

	return Window{
		Count:    int(count),
		Oldest:   time.UnixMilli(oldest),
		Recorded: recorded == 1,
	}, nil
}

// Compact implements Store. Redis expires idle buckets on its own.
func (s *RedisStore) Compact(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Len implements Store
func (s *RedisStore) Len() int {
	return -1
}

// Reset clears the bucket of key
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, fmt.Sprintf("%s:%s", s.prefix, key)).Err()
}
