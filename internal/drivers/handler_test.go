package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ridewire/dispatch/internal/geoindex"
	redisClient "github.com/ridewire/dispatch/pkg/redis"
	"github.com/ridewire/dispatch/test/mocks"
)

func setupRouter(redis *mocks.MockRedisClient, registryURL string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	geo := geoindex.NewService(redis)
	registry := NewRegistry(geo, registryURL, time.Second)
	r := gin.New()
	NewHandler(geo, registry).RegisterRoutes(r)
	return r
}

func putJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_UpdateLocation(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	router := setupRouter(redis, "")

	redis.On("SetWithExpiration", mock.Anything, "driver:snapshot:driver-1", mock.Anything, mock.Anything).Return(nil)
	redis.On("GeoAdd", mock.Anything, "drivers:geo:index", 58.32, 37.96, "driver-1").Return(nil)

	w := putJSON(router, "/drivers/driver-1/location", UpdateLocationRequest{
		Latitude:    37.96,
		Longitude:   58.32,
		VehicleType: "car",
		PushAddress: "driver-1-push",
	})
	require.Equal(t, http.StatusOK, w.Code)
	redis.AssertExpectations(t)
}

func TestHandler_UpdateLocation_RejectsBadCoordinates(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	router := setupRouter(redis, "")

	w := putJSON(router, "/drivers/driver-1/location", UpdateLocationRequest{
		Latitude:    95.0,
		Longitude:   58.32,
		VehicleType: "car",
		PushAddress: "driver-1-push",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	redis.AssertNotCalled(t, "SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_UpdateLocation_RequiresPushAddress(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	router := setupRouter(redis, "")

	w := putJSON(router, "/drivers/driver-1/location", UpdateLocationRequest{
		Latitude:    37.96,
		Longitude:   58.32,
		VehicleType: "car",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SetAvailability_InvalidState(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	router := setupRouter(redis, "")

	w := putJSON(router, "/drivers/driver-1/availability", SetAvailabilityRequest{Availability: "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SetAvailability_Inactive(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	router := setupRouter(redis, "")

	snapshot := geoindex.DriverSnapshot{
		DriverID:     "driver-1",
		Latitude:     37.96,
		Longitude:    58.32,
		VehicleType:  "car",
		Availability: "active",
		PushAddress:  "driver-1-push",
		UpdatedAt:    time.Now(),
	}
	raw, _ := json.Marshal(snapshot)
	redis.On("GetString", mock.Anything, "driver:snapshot:driver-1").Return(string(raw), nil)
	redis.On("SetWithExpiration", mock.Anything, "driver:snapshot:driver-1", mock.Anything, mock.Anything).Return(nil)
	redis.On("GeoRemove", mock.Anything, "drivers:geo:index", "driver-1").Return(nil)

	w := putJSON(router, "/drivers/driver-1/availability", SetAvailabilityRequest{Availability: "inactive"})
	require.Equal(t, http.StatusOK, w.Code)
	redis.AssertCalled(t, "GeoRemove", mock.Anything, "drivers:geo:index", "driver-1")
}

func TestRegistry_MirrorsToRemote(t *testing.T) {
	var gotPath string
	var gotBody availabilityRequest
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer remote.Close()

	redis := new(mocks.MockRedisClient)
	snapshot := geoindex.DriverSnapshot{
		DriverID:     "driver-1",
		Latitude:     37.96,
		Longitude:    58.32,
		VehicleType:  "car",
		Availability: "active",
		PushAddress:  "driver-1-push",
		UpdatedAt:    time.Now(),
	}
	raw, _ := json.Marshal(snapshot)
	redis.On("GetString", mock.Anything, "driver:snapshot:driver-1").Return(string(raw), nil)
	redis.On("SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	registry := NewRegistry(geoindex.NewService(redis), remote.URL, time.Second)
	registry.SetAvailability(context.Background(), "driver-1", "assigned")

	assert.Equal(t, "/drivers/driver-1/availability", gotPath)
	assert.Equal(t, "assigned", gotBody.Availability)
}

func TestRegistry_RemoteFailureIsBestEffort(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer remote.Close()

	redis := new(mocks.MockRedisClient)
	redis.On("GetString", mock.Anything, mock.Anything).Return("", assert.AnError)

	registry := NewRegistry(geoindex.NewService(redis), remote.URL, time.Second)
	// neither the local failure nor the remote 500 panics or propagates
	registry.SetAvailability(context.Background(), "driver-1", "active")
}

var _ redisClient.ClientInterface = (*mocks.MockRedisClient)(nil)
