package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisClient "github.com/ridewire/dispatch/pkg/redis"
)

func newCacheWithMock(t *testing.T) (*IdempotencyCache, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return NewIdempotencyCache(redisClient.NewFromClient(db)), mock
}

func TestIdempotencyCache_Begin_FirstRequestWins(t *testing.T) {
	cache, mock := newCacheWithMock(t)

	mock.ExpectSetNX("dispatch:idem:key-1", idempotencyPending, time.Hour).SetVal(true)

	won, existing, err := cache.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, uuid.Nil, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyCache_Begin_DuplicateWhileInFlight(t *testing.T) {
	cache, mock := newCacheWithMock(t)

	mock.ExpectSetNX("dispatch:idem:key-1", idempotencyPending, time.Hour).SetVal(false)
	mock.ExpectGet("dispatch:idem:key-1").SetVal(idempotencyPending)

	won, existing, err := cache.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, uuid.Nil, existing)
}

func TestIdempotencyCache_Begin_DuplicateAfterCommit(t *testing.T) {
	cache, mock := newCacheWithMock(t)
	winner := uuid.New()

	mock.ExpectSetNX("dispatch:idem:key-1", idempotencyPending, time.Hour).SetVal(false)
	mock.ExpectGet("dispatch:idem:key-1").SetVal(winner.String())

	won, existing, err := cache.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, winner, existing)
}

func TestIdempotencyCache_Begin_ClaimExpiredBetweenOps(t *testing.T) {
	cache, mock := newCacheWithMock(t)

	mock.ExpectSetNX("dispatch:idem:key-1", idempotencyPending, time.Hour).SetVal(false)
	mock.ExpectGet("dispatch:idem:key-1").RedisNil()

	won, existing, err := cache.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, uuid.Nil, existing)
}

func TestIdempotencyCache_CommitAndAbort(t *testing.T) {
	cache, mock := newCacheWithMock(t)
	id := uuid.New()

	mock.ExpectSet("dispatch:idem:key-1", id.String(), time.Hour).SetVal("OK")
	require.NoError(t, cache.Commit(context.Background(), "key-1", id))

	mock.ExpectDel("dispatch:idem:key-1").SetVal(1)
	cache.Abort(context.Background(), "key-1")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveKey(t *testing.T) {
	// explicit client key wins
	assert.Equal(t, "client-key", DeriveKey("client-key", "r", "a", "b", "car"))

	// derived keys are stable and field-sensitive
	k1 := DeriveKey("", "rider-1", "10 Main St", "20 Oak Ave", "car")
	k2 := DeriveKey("", "rider-1", "10 Main St", "20 Oak Ave", "car")
	k3 := DeriveKey("", "rider-1", "10 Main St", "20 Oak Ave", "auto")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}
