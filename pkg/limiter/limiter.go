// Package limiter implements an atomic counter-with-expiry rate limiter
// on Redis, used by the rule engine for per-tenant SMS budgets.
package limiter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript increments the counter and attaches the window TTL on
// first use, in one server-side step.
var incrExpireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Result reports the outcome of one limiter check.
type Result struct {
	Allowed bool
	Count   int64
}

// Limiter counts events per key within a rolling TTL window.
type Limiter struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Check increments key and reports whether the count is still within limit.
// The first increment arms a TTL of windowSeconds. Errors are surfaced
// unchanged; the caller decides the fail mode.
func (l *Limiter) Check(ctx context.Context, key string, limit int, windowSeconds int) (Result, error) {
	count, err := incrExpireScript.Run(ctx, l.rdb, []string{key}, windowSeconds).Int64()
	if err != nil {
		return Result{}, fmt.Errorf("limiter.Check %s: %w", key, err)
	}
	return Result{Allowed: count <= int64(limit), Count: count}, nil
}
