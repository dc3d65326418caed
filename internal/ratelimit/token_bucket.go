// Package ratelimit paces webhook deliveries per PBX connection with a token
// bucket kept in Redis, shared by every api replica.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the fractional token balance after this call.
	Remaining float64
	// RetryAfter is how long until one token is available; zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket holds one bucket per key under a common prefix.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding capacity tokens and regaining
// refillPerSecond. Idle keys expire after ttl.
func NewTokenBucket(client redis.Scripter, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from key's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	args := []any{b.capacity, strconv.FormatFloat(b.refill, 'f', -1, 64), b.now().UnixMilli(), b.ttl.Milliseconds()}
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, args...).Result()
	if err != nil {
		return Decision{}, eris.Wrapf(err, "ratelimit: run bucket script for %s", key)
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return Decision{}, eris.Errorf("ratelimit: unexpected script reply %T", res)
	}
	flag, ok := reply[0].(int64)
	if !ok {
		return Decision{}, eris.Errorf("ratelimit: unexpected allowed flag %T", reply[0])
	}
	// Lua numbers come back truncated to integers, so the balance travels as a string.
	raw, ok := reply[1].(string)
	if !ok {
		return Decision{}, eris.Errorf("ratelimit: unexpected token balance %T", reply[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, eris.Wrapf(err, "ratelimit: parse token balance %q", raw)
	}

	d := Decision{Allowed: flag == 1, Remaining: tokens}
	if !d.Allowed && b.refill > 0 {
		wait := (1 - tokens) / b.refill
		d.RetryAfter = time.Duration(math.Ceil(wait*1000)) * time.Millisecond
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * refill)
  last = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', last)
if ttl > 0 then
  redis.call('PEXPIRE', key, ttl)
end
return {allowed, tostring(tokens)}
`)
