package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/lead-call-engine/internal/config"
)

var acquireScript = redis.NewScript(`
local pool = KEYS[1]
local holder = KEYS[2]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if redis.call('EXISTS', holder) == 1 then
  return 1
end
local current = tonumber(redis.call('GET', pool) or '0')
if current < limit then
  redis.call('INCR', pool)
  if ttl > 0 then
    redis.call('PEXPIRE', pool, ttl)
    redis.call('SET', holder, '1', 'PX', ttl)
  else
    redis.call('SET', holder, '1')
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local pool = KEYS[1]
local holder = KEYS[2]
if redis.call('DEL', holder) == 0 then
  return -1
end
local current = tonumber(redis.call('GET', pool) or '0')
if current <= 1 then
  redis.call('DEL', pool)
  return 0
end
return redis.call('DECR', pool)
`)

// Limiter caps the number of concurrently bridged media streams across all
// processes sharing a Redis instance. Each call holds at most one slot.
type Limiter struct {
	client redis.Scripter
	pool   string
	limit  int
	ttl    time.Duration
}

// NewLimiter constructs a stream slot limiter. A non-positive limit admits
// every stream.
func NewLimiter(client redis.Scripter, cfg config.ThrottleConfig) *Limiter {
	ttl := cfg.SlotTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	pool := cfg.SlotPool
	if pool == "" {
		pool = "streams"
	}
	return &Limiter{client: client, pool: pool, limit: cfg.MaxActiveStreams, ttl: ttl}
}

// Acquire reserves a slot for callID. Acquiring twice for the same call is a
// no-op that reports success.
func (l *Limiter) Acquire(ctx context.Context, callID string) (bool, error) {
	if l.limit <= 0 || callID == "" {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, l.keys(callID), l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees the slot held by callID, if any.
func (l *Limiter) Release(ctx context.Context, callID string) error {
	if l.limit <= 0 || callID == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, l.keys(callID)).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (l *Limiter) keys(callID string) []string {
	return []string{
		fmt.Sprintf("leadcall:slots:%s:active", l.pool),
		fmt.Sprintf("leadcall:slots:%s:call:%s", l.pool, callID),
	}
}
