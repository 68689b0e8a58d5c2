package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRemotePrefix = "ratelimit:"

// slidingWindowScript expires, counts, and records one hit against a
// sorted-set window in a single atomic step. Members are scored by their
// arrival time in milliseconds. Reply: {allowed, remaining, resetAtMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
local oldest = now
if count > 0 then
	local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	oldest = tonumber(first[2])
end

if count >= limit then
	return {0, 0, oldest + window}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, oldest + window}
`)

// Remote enforces a sliding window against a shared Redis instance, so the
// bound holds across every process using the same store. The script handle
// is compiled once per process and reused for all keys.
//
// Remote never interprets a store failure as an admission; errors are
// returned to the caller, which falls back to its local counter.
type Remote struct {
	client *redis.Client
	prefix string
}

// RemoteOption configures a Remote counter.
type RemoteOption func(*Remote)

// WithPrefix sets the key namespace. Defaults to "ratelimit:".
func WithPrefix(prefix string) RemoteOption {
	return func(r *Remote) {
		r.prefix = prefix
	}
}

// NewRemote creates a Redis-backed counter using the given client.
func NewRemote(client *redis.Client, opts ...RemoteOption) *Remote {
	r := &Remote{
		client: client,
		prefix: defaultRemotePrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Counter = (*Remote)(nil)

// Check runs the window script for the key. The stored key is scoped by
// limit and window in addition to the caller key, so configurations that
// share a prefix keep separate buckets. Entry lifecycle is left to Redis
// expiry; nothing is deleted explicitly.
func (r *Remote) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	windowMs := window.Milliseconds()
	fullKey := fmt.Sprintf("%s%s:%d:%d", r.prefix, key, limit, windowMs)
	now := time.Now()

	// The member must be unique per hit; two requests landing in the same
	// millisecond would otherwise collapse into one sorted-set entry.
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{fullKey},
		now.UnixMilli(), windowMs, limit, uuid.NewString()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis window check failed: %w", err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return Result{}, fmt.Errorf("unexpected redis window reply: %v", raw)
	}
	allowed, okAllowed := reply[0].(int64)
	remaining, okRemaining := reply[1].(int64)
	resetMs, okReset := reply[2].(int64)
	if !okAllowed || !okRemaining || !okReset {
		return Result{}, fmt.Errorf("unexpected redis window reply: %v", raw)
	}

	res := Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMs),
	}
	if !res.Allowed {
		res.RetryAfter = max(0, res.ResetAt.Sub(now))
	}
	return res, nil
}
