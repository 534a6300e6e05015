package redis

import (
	"context"
	"time"
)

// ClientInterface abstracts the Redis operations used by the engine so
// services can be tested with fakes.
type ClientInterface interface {
	SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetIfNotExists(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	GetString(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	IncrementWithExpiration(ctx context.Context, key string, expiration time.Duration) (int64, error)
	GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error
	GeoSearch(ctx context.Context, key string, longitude, latitude, radiusMeters float64, count int) ([]GeoMember, error)
	GeoRemove(ctx context.Context, key string, member string) error
	Close() error
}

var _ ClientInterface = (*Client)(nil)
