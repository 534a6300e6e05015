package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisClient "github.com/ridewire/dispatch/pkg/redis"
)

const (
	idempotencyPrefix  = "dispatch:idem:"
	idempotencyTTL     = time.Hour
	idempotencyPending = "pending"
)

// IdempotencyCache deduplicates dispatch creation. The first request for a
// key claims it with SETNX and stores the dispatch ID once created; duplicates
// within the TTL read the winner's dispatch ID instead of creating a second
// dispatch.
type IdempotencyCache struct {
	redis redisClient.ClientInterface
}

func NewIdempotencyCache(redis redisClient.ClientInterface) *IdempotencyCache {
	return &IdempotencyCache{redis: redis}
}

// DeriveKey builds the dedup key from the client-supplied Idempotency-Key, or
// from the request identity fields when the client did not send one.
func DeriveKey(clientKey, riderID, pickup, dropoff, vehicleType string) string {
	if clientKey != "" {
		return clientKey
	}
	h := sha256.Sum256([]byte(strings.Join([]string{riderID, pickup, dropoff, vehicleType}, "|")))
	return hex.EncodeToString(h[:])
}

// Begin claims the key. Returns won=true when this request is the first;
// otherwise existing holds the winner's dispatch ID, or uuid.Nil while the
// winner is still in flight.
func (c *IdempotencyCache) Begin(ctx context.Context, key string) (won bool, existing uuid.UUID, err error) {
	ok, err := c.redis.SetIfNotExists(ctx, idempotencyPrefix+key, idempotencyPending, idempotencyTTL)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if ok {
		return true, uuid.Nil, nil
	}

	val, err := c.redis.GetString(ctx, idempotencyPrefix+key)
	if errors.Is(err, redis.Nil) {
		// the winner's claim expired between our SETNX and GET
		return false, uuid.Nil, nil
	}
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("idempotency read: %w", err)
	}
	if val == idempotencyPending || val == "" {
		return false, uuid.Nil, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("idempotency value %q: %w", val, err)
	}
	return false, id, nil
}

// Commit records the created dispatch ID under the claimed key.
func (c *IdempotencyCache) Commit(ctx context.Context, key string, dispatchID uuid.UUID) error {
	return c.redis.SetWithExpiration(ctx, idempotencyPrefix+key, dispatchID.String(), idempotencyTTL)
}

// Abort releases a claimed key after a failed creation so a retry can proceed.
func (c *IdempotencyCache) Abort(ctx context.Context, key string) {
	_ = c.redis.Delete(ctx, idempotencyPrefix+key)
}
