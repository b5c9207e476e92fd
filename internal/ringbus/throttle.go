package ringbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ringSlotAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  1 if acquired
--  0 if rejected (limit reached)
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  -- Ensure TTL exists even if key already existed without TTL
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end

if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var ringSlotReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
-- Decrement, and delete if <= 0
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisRingThrottle caps the number of simultaneously ringing calls per
// organization on a shared redis counter, so the cap holds across processes.
//
// Safety properties:
// - Atomic acquire using Lua.
// - TTL prevents leaked slots on process crash; the TTL should comfortably
//   exceed the ring stale timeout so the reaper releases slots first.
type RedisRingThrottle struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisRingThrottle(rdb *redis.Client, limit int, ttl time.Duration) (*RedisRingThrottle, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	return &RedisRingThrottle{rdb: rdb, limit: limit, ttl: ttl}, nil
}

func ringSlotKey(orgID string) string { return "ringcap:" + orgID }

func (t *RedisRingThrottle) Acquire(ctx context.Context, orgID string) (bool, error) {
	if orgID == "" {
		return false, fmt.Errorf("organization id is required")
	}
	res, err := ringSlotAcquireScript.Run(ctx, t.rdb, []string{ringSlotKey(orgID)}, t.limit, t.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (t *RedisRingThrottle) Release(ctx context.Context, orgID string) error {
	if orgID == "" {
		return fmt.Errorf("organization id is required")
	}
	_, err := ringSlotReleaseScript.Run(ctx, t.rdb, []string{ringSlotKey(orgID)}).Result()
	return err
}
