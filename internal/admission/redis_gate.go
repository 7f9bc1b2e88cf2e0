package admission

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"genproxy/internal/domain"
)

// LuaRequestSlot takes one slot from a fixed window counter.
//
// KEYS[1] = admission:{sha1(serverURL)}
// ARGV[1] = window length (milliseconds)
// ARGV[2] = slots per window
//
// Returns {granted (0|1), remaining window in milliseconds}.
const LuaRequestSlot = `
local key      = KEYS[1]
local windowMs = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])

local used = tonumber(redis.call("GET", key) or "0")
if used >= capacity then
    return {0, redis.call("PTTL", key)}
end

used = redis.call("INCR", key)
if used == 1 then
    redis.call("PEXPIRE", key, windowMs)
end
return {1, redis.call("PTTL", key)}
`

const minRetryDelay = 50 * time.Millisecond

// RedisGate keeps a per-server slot counter in Redis. When the window is
// full it waits for the window to roll over, up to maxWait.
type RedisGate struct {
	rdb     redis.Scripter
	script  *redis.Script
	slots   int
	maxWait time.Duration
}

func NewRedisGate(rdb redis.Scripter, slots int, maxWait time.Duration) *RedisGate {
	if slots <= 0 {
		slots = 1
	}
	return &RedisGate{
		rdb:     rdb,
		script:  redis.NewScript(LuaRequestSlot),
		slots:   slots,
		maxWait: maxWait,
	}
}

// SlotKey is the Redis key holding the counter for serverURL.
func SlotKey(serverURL string) string {
	sum := sha1.Sum([]byte(domain.NormalizeServerURL(serverURL)))
	return "genproxy:admission:" + hex.EncodeToString(sum[:])
}

func (g *RedisGate) RequestSlot(ctx context.Context, serverURL string, cooldown time.Duration) error {
	deadline := time.Now().Add(g.maxWait)
	keys := []string{SlotKey(serverURL)}
	for {
		vals, err := g.script.Run(ctx, g.rdb, keys, cooldown.Milliseconds(), g.slots).Int64Slice()
		if err != nil {
			return fmt.Errorf("%w: request slot lua: %v", domain.ErrAdmissionUnavailable, err)
		}
		if len(vals) != 2 {
			return fmt.Errorf("%w: request slot lua: unexpected reply %v", domain.ErrAdmissionUnavailable, vals)
		}
		if vals[0] == 1 {
			return nil
		}

		wait := time.Duration(vals[1]) * time.Millisecond
		if wait < minRetryDelay {
			wait = minRetryDelay
		}
		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%w: no slot on %s within %s", domain.ErrAdmissionUnavailable, serverURL, g.maxWait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
