// Package replay implements the anti-replay idempotency store on Redis.
//
// Each request_id owns one entry carrying the request fingerprint and,
// once the pipeline finishes, the cached decision. Both operations are
// single atomic round-trips; fail-mode policy (fail-closed on writes,
// fail-open on reads) belongs to the decision pipeline, not here.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/julian-najas/casf-core/pkg/types"
)

const keyPrefix = "replay:"

// Entry is the stored value for one request_id.
type Entry struct {
	// FP is the SHA-256 fingerprint of the request body minus request_id.
	FP string `json:"fp"`

	// Decision is nil while the original request is still in flight.
	Decision *types.VerifyResponse `json:"decision"`
}

// claimScript returns the existing value unchanged, or claims the key with
// ARGV[1] and a TTL of ARGV[2] seconds and returns the empty string. Running
// server-side keeps claim-vs-read atomic against concurrent callers.
var claimScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return ''
`)

// Store is the Redis-backed idempotency store.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// CheckAndClaim atomically claims request_id for this caller. It returns
// (nil, true, nil) when the id was new and is now claimed with a pending
// entry, or (entry, false, nil) when an entry already existed. Transport
// and evaluation errors are surfaced unchanged.
func (s *Store) CheckAndClaim(ctx context.Context, requestID, fp string, ttl time.Duration) (*Entry, bool, error) {
	pending, err := json.Marshal(Entry{FP: fp})
	if err != nil {
		return nil, false, fmt.Errorf("replay.CheckAndClaim marshal: %w", err)
	}

	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	raw, err := claimScript.Run(ctx, s.rdb, []string{keyPrefix + requestID}, string(pending), seconds).Text()
	if err != nil {
		return nil, false, fmt.Errorf("replay.CheckAndClaim: %w", err)
	}
	if raw == "" {
		return nil, true, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("replay.CheckAndClaim decode entry: %w", err)
	}
	return &entry, false, nil
}

// StoreDecision replaces the pending entry with the final decision while
// preserving the original TTL (SET XX KEEPTTL). A no-op when the entry
// already expired.
func (s *Store) StoreDecision(ctx context.Context, requestID, fp string, decision *types.VerifyResponse) error {
	value, err := json.Marshal(Entry{FP: fp, Decision: decision})
	if err != nil {
		return fmt.Errorf("replay.StoreDecision marshal: %w", err)
	}

	err = s.rdb.SetArgs(ctx, keyPrefix+requestID, string(value), redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		// Entry expired between claim and store; the TTL was the backstop.
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay.StoreDecision: %w", err)
	}
	return nil
}

// Ping probes the underlying Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
