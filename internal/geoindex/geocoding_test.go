package geoindex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridewire/dispatch/pkg/common"
)

func TestGeocoder_Resolve_LatLonLiteral(t *testing.T) {
	g := NewGeocoder("", time.Second, nil)

	loc, err := g.Resolve(context.Background(), "37.9715, 58.3794")

	require.NoError(t, err)
	assert.Equal(t, 37.9715, loc.Latitude)
	assert.Equal(t, 58.3794, loc.Longitude)
}

func TestGeocoder_Resolve_EmptyAddress(t *testing.T) {
	g := NewGeocoder("", time.Second, nil)

	_, err := g.Resolve(context.Background(), "  ")

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 400, appErr.Code)
}

func TestGeocoder_Resolve_NoRemoteConfigured(t *testing.T) {
	g := NewGeocoder("", time.Second, nil)

	_, err := g.Resolve(context.Background(), "1 Chapman Square")

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 400, appErr.Code)
}

func TestGeocoder_Resolve_RemoteLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "1 Chapman Square", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"lat": "37.9715", "lon": "58.3794", "display_name": "Chapman Sq"}]`))
	}))
	defer server.Close()

	g := NewGeocoder(server.URL, time.Second, nil)

	loc, err := g.Resolve(context.Background(), "1 Chapman Square")

	require.NoError(t, err)
	assert.Equal(t, 37.9715, loc.Latitude)
	assert.Equal(t, 58.3794, loc.Longitude)
	assert.Equal(t, "1 Chapman Square", loc.Address)
}

func TestGeocoder_Resolve_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	g := NewGeocoder(server.URL, time.Second, nil)

	_, err := g.Resolve(context.Background(), "nowhere at all")

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 404, appErr.Code)
}

func TestGeocoder_Resolve_ProviderDown(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g := NewGeocoder(server.URL, time.Second, nil)

	_, err := g.Resolve(context.Background(), "1 Chapman Square")

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 502, appErr.Code)
	// 1 initial attempt + 3 retries
	assert.Equal(t, 4, attempts)
}

func TestParseLatLon(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"37.9715,58.3794", true},
		{" 37.9715 , 58.3794 ", true},
		{"-90,180", true},
		{"91,0", false},
		{"abc,def", false},
		{"37.9715", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, ok := parseLatLon(tt.input)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
