package geoindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/httpclient"
	"github.com/ridewire/dispatch/pkg/resilience"
	redisClient "github.com/ridewire/dispatch/pkg/redis"
)

const (
	geocodeCachePrefix = "geocode:"
	geocodeCacheTTL    = 24 * time.Hour
)

// Location is a resolved point with the address it was resolved from.
type Location struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geocoder resolves free-form addresses to coordinates. Literal
// "lat,lon" strings are parsed locally; anything else goes to the
// configured geocoding endpoint, with results cached in Redis.
type Geocoder struct {
	client  *httpclient.Client
	redis   redisClient.ClientInterface
	breaker *resilience.CircuitBreaker
}

// NewGeocoder creates a geocoder against the given endpoint base URL.
// An empty base URL disables remote lookups: only literal coordinates parse.
func NewGeocoder(baseURL string, timeout time.Duration, redis redisClient.ClientInterface) *Geocoder {
	g := &Geocoder{redis: redis}
	if baseURL != "" {
		g.client = httpclient.NewClient(baseURL, timeout, httpclient.WithProviderRetry())
	}
	return g
}

// SetCircuitBreaker enables circuit breaker protection for remote lookups.
func (g *Geocoder) SetCircuitBreaker(cb *resilience.CircuitBreaker) {
	g.breaker = cb
}

// Resolve turns an address into a Location.
func (g *Geocoder) Resolve(ctx context.Context, address string) (*Location, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, common.NewBadRequestError("address is required", nil)
	}

	if loc, ok := parseLatLon(address); ok {
		loc.Address = address
		return loc, nil
	}

	if g.client == nil {
		return nil, common.NewBadRequestError("address must be \"lat,lon\" when no geocoder is configured", nil)
	}

	cacheKey := geocodeCachePrefix + strings.ToLower(address)
	if g.redis != nil {
		if cached, err := g.redis.GetString(ctx, cacheKey); err == nil && cached != "" {
			var loc Location
			if json.Unmarshal([]byte(cached), &loc) == nil {
				return &loc, nil
			}
		}
	}

	loc, err := g.fetch(ctx, address)
	if err != nil {
		return nil, err
	}

	if g.redis != nil {
		if data, err := json.Marshal(loc); err == nil {
			g.redis.SetWithExpiration(ctx, cacheKey, data, geocodeCacheTTL)
		}
	}
	return loc, nil
}

type geocodeHit struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (g *Geocoder) fetch(ctx context.Context, address string) (*Location, error) {
	path := "/search?format=json&limit=1&q=" + url.QueryEscape(address)

	operation := func(ctx context.Context) (interface{}, error) {
		return g.client.Get(ctx, path)
	}

	var body []byte
	var err error
	if g.breaker != nil {
		var result interface{}
		result, err = g.breaker.Execute(ctx, operation)
		if err == nil {
			body = result.([]byte)
		}
	} else {
		var result interface{}
		result, err = operation(ctx)
		if err == nil {
			body = result.([]byte)
		}
	}
	if err != nil {
		return nil, common.NewUnavailableError("geocoding provider unavailable", err)
	}

	var hits []geocodeHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return nil, common.NewUnavailableError("malformed geocoding response", err)
	}
	if len(hits) == 0 {
		return nil, common.NewNotFoundError(fmt.Sprintf("address %q could not be resolved", address), nil)
	}

	lat, latErr := strconv.ParseFloat(hits[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(hits[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return nil, common.NewUnavailableError("malformed geocoding coordinates", nil)
	}
	if err := validateCoordinates(lat, lon); err != nil {
		return nil, common.NewUnavailableError("geocoding returned out-of-range coordinates", nil)
	}

	return &Location{Address: address, Latitude: lat, Longitude: lon}, nil
}

// parseLatLon accepts "lat,lon" literals, e.g. "37.9715,58.3794".
func parseLatLon(s string) (*Location, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, false
	}
	lat, latErr := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if latErr != nil || lonErr != nil {
		return nil, false
	}
	if validateCoordinates(lat, lon) != nil {
		return nil, false
	}
	return &Location{Latitude: lat, Longitude: lon}, true
}
