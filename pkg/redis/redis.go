package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridewire/dispatch/pkg/config"
)

// Client wraps the Redis client with the operations the engine needs.
type Client struct {
	*redis.Client
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg *config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return &Client{Client: client}, nil
}

// NewFromClient wraps an existing go-redis client (used by tests with redismock).
func NewFromClient(client *redis.Client) *Client {
	return &Client{Client: client}
}

// SetWithExpiration sets a key-value pair with a TTL.
func (c *Client) SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Set(ctx, key, value, expiration).Err()
}

// SetIfNotExists writes the value only when the key is absent. Returns true
// when this caller won the write. This is the compare-and-set primitive
// backing the idempotency cache.
func (c *Client) SetIfNotExists(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.SetNX(ctx, key, value, expiration).Result()
}

// GetString gets a string value by key.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.Get(ctx, key).Result()
}

// Delete deletes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.Del(ctx, keys...).Err()
}

// Exists checks whether a key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.Client.Expire(ctx, key, expiration).Err()
}

// IncrementWithExpiration atomically increments a counter and refreshes its TTL.
// Used for per-cell demand counters.
func (c *Client) IncrementWithExpiration(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	value, err := c.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := c.Client.Expire(ctx, key, expiration).Err(); err != nil {
		return value, err
	}
	return value, nil
}

// GeoMember is one entry returned by a geo radius search.
type GeoMember struct {
	Name      string
	DistKm    float64
	Latitude  float64
	Longitude float64
}

// GeoAdd adds a member to a geospatial index.
func (c *Client) GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error {
	return c.Client.GeoAdd(ctx, key, &redis.GeoLocation{
		Longitude: longitude,
		Latitude:  latitude,
		Name:      member,
	}).Err()
}

// GeoSearch returns members within radiusMeters of the origin, closest first,
// capped at count, with distances and coordinates.
func (c *Client) GeoSearch(ctx context.Context, key string, longitude, latitude, radiusMeters float64, count int) ([]GeoMember, error) {
	locations, err := c.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  longitude,
			Latitude:   latitude,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	members := make([]GeoMember, 0, len(locations))
	for _, loc := range locations {
		members = append(members, GeoMember{
			Name:      loc.Name,
			DistKm:    loc.Dist / 1000.0,
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
		})
	}
	return members, nil
}

// GeoRemove removes a member from a geospatial index.
func (c *Client) GeoRemove(ctx context.Context, key string, member string) error {
	return c.ZRem(ctx, key, member).Err()
}

// Close closes the Redis client.
func (c *Client) Close() error {
	return c.Client.Close()
}
