// Package ratelimit implements a sliding-window rate limiter for abuse control.
//
// # Overview
//
// Each key (tenant + actor + operation) owns an ordered set of request timestamps.
// A check prunes timestamps older than the window, denies when max timestamps
// remain and otherwise records the current time:
//
//	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(100000))
//	d, err := limiter.Check(ctx, "ws_1:user_7:generate", time.Minute, 10)
//	if !d.Allowed {
//		// retry after d.RetryAfter
//	}
//
// The limiter is best-effort. It sits in front of the durable quota guard and is
// never the only enforcement of a business limit.
//
// # Stores
//
// MemoryStore keeps buckets in process memory, bounded by an LRU key cap and by
// idle compaction. RedisStore keeps each bucket in a sorted set and evaluates the
// prune-check-record sequence in one Lua script, so horizontally scaled instances
// share limits without changing any call site.
package ratelimit
