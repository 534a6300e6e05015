package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridewire/dispatch/pkg/common"
)

func f64(v float64) *float64 { return &v }

func tableServer(t *testing.T, durations string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/table/v1/driving/")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"code": "Ok", "durations": %s}`, durations)
	}))
}

func TestOracle_MultiETA_Success(t *testing.T) {
	server := tableServer(t, `[[120.5], [300.0], [90.0]]`)
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	result, err := oracle.MultiETA(context.Background(), []Point{
		{Latitude: 37.97, Longitude: 58.38},
		{Latitude: 37.98, Longitude: 58.39},
		{Latitude: 37.99, Longitude: 58.40},
	}, Point{Latitude: 37.95, Longitude: 58.35}, nil)

	require.NoError(t, err)
	require.Len(t, result.Durations, 3)
	assert.Equal(t, 120.5, *result.Durations[0])
	assert.Equal(t, 300.0, *result.Durations[1])
	assert.Equal(t, 90.0, *result.Durations[2])
	assert.Equal(t, 2, result.BestIndex)
}

func TestOracle_MultiETA_UnreachableOrigin(t *testing.T) {
	server := tableServer(t, `[[null], [240.0]]`)
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	result, err := oracle.MultiETA(context.Background(), []Point{
		{Latitude: 37.97, Longitude: 58.38},
		{Latitude: 37.98, Longitude: 58.39},
	}, Point{}, nil)

	require.NoError(t, err)
	assert.Nil(t, result.Durations[0])
	assert.Equal(t, 240.0, *result.Durations[1])
	assert.Equal(t, 1, result.BestIndex)
}

func TestOracle_MultiETA_BoundFiltersReturnedSlice(t *testing.T) {
	server := tableServer(t, `[[120.0], [600.0], [90.0]]`)
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	result, err := oracle.MultiETA(context.Background(), []Point{{}, {}, {}}, Point{}, f64(150))

	require.NoError(t, err)
	assert.Equal(t, 120.0, *result.Durations[0])
	assert.Nil(t, result.Durations[1])
	assert.Equal(t, 90.0, *result.Durations[2])
	assert.Equal(t, 2, result.BestIndex)
}

func TestOracle_MultiETA_BoundFiltersEverything(t *testing.T) {
	server := tableServer(t, `[[400.0], [500.0]]`)
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	result, err := oracle.MultiETA(context.Background(), []Point{{}, {}}, Point{}, f64(60))

	require.NoError(t, err)
	assert.Nil(t, result.Durations[0])
	assert.Nil(t, result.Durations[1])
	assert.Equal(t, -1, result.BestIndex)
}

func TestOracle_MultiETA_NoOrigins(t *testing.T) {
	oracle := NewOracle("http://invalid.test", time.Second)

	result, err := oracle.MultiETA(context.Background(), nil, Point{}, nil)

	require.NoError(t, err)
	assert.Empty(t, result.Durations)
	assert.Equal(t, -1, result.BestIndex)
}

func TestOracle_MultiETA_ProviderFailureAfterRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	_, err := oracle.MultiETA(context.Background(), []Point{{}}, Point{}, nil)

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 502, appErr.Code)
	assert.Equal(t, 4, attempts)
}

func TestOracle_MultiETA_ProviderErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": "InvalidQuery", "message": "Query string malformed"}`))
	}))
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	_, err := oracle.MultiETA(context.Background(), []Point{{}}, Point{}, nil)

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 502, appErr.Code)
}

func TestOracle_MultiETA_WrongMatrixShape(t *testing.T) {
	server := tableServer(t, `[[100.0]]`)
	defer server.Close()

	oracle := NewOracle(server.URL, time.Second)

	_, err := oracle.MultiETA(context.Background(), []Point{{}, {}}, Point{}, nil)

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 502, appErr.Code)
}

func TestOracle_MultiETA_CalibrationApplied(t *testing.T) {
	osrm := tableServer(t, `[[100.0], [200.0]]`)
	defer osrm.Close()

	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/eta/calibrate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"calibratedDuration": 115.0}`))
	}))
	defer ml.Close()

	oracle := NewOracle(osrm.URL, time.Second)
	oracle.SetCalibrator(NewCalibrator(ml.URL, time.Second))

	result, err := oracle.MultiETA(context.Background(), []Point{{}, {}}, Point{}, nil)

	require.NoError(t, err)
	assert.Equal(t, 115.0, *result.Durations[0])
	assert.Equal(t, 115.0, *result.Durations[1])
}

func TestOracle_MultiETA_CalibrationFailureKeepsRaw(t *testing.T) {
	osrm := tableServer(t, `[[100.0], [null]]`)
	defer osrm.Close()

	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ml.Close()

	oracle := NewOracle(osrm.URL, time.Second)
	oracle.SetCalibrator(NewCalibrator(ml.URL, time.Second))

	result, err := oracle.MultiETA(context.Background(), []Point{{}, {}}, Point{}, nil)

	require.NoError(t, err)
	// Calibration failure never turns a defined value into nil
	require.NotNil(t, result.Durations[0])
	assert.Equal(t, 100.0, *result.Durations[0])
	assert.Nil(t, result.Durations[1])
	assert.Equal(t, 0, result.BestIndex)
}

func TestOracle_MultiETA_BoundAppliedAfterCalibration(t *testing.T) {
	osrm := tableServer(t, `[[100.0]]`)
	defer osrm.Close()

	// Calibration pushes the duration over the bound
	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"calibratedDuration": 500.0}`))
	}))
	defer ml.Close()

	oracle := NewOracle(osrm.URL, time.Second)
	oracle.SetCalibrator(NewCalibrator(ml.URL, time.Second))

	result, err := oracle.MultiETA(context.Background(), []Point{{}}, Point{}, f64(200))

	require.NoError(t, err)
	assert.Nil(t, result.Durations[0])
	assert.Equal(t, -1, result.BestIndex)
}

func TestBestIndex(t *testing.T) {
	tests := []struct {
		name      string
		durations []*float64
		expected  int
	}{
		{"empty", nil, -1},
		{"all nil", []*float64{nil, nil}, -1},
		{"single", []*float64{f64(10)}, 0},
		{"min in middle", []*float64{f64(30), f64(10), f64(20)}, 1},
		{"tie broken by lowest index", []*float64{f64(10), f64(10)}, 0},
		{"nil entries skipped", []*float64{nil, f64(50), nil, f64(40)}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BestIndex(tt.durations))
		})
	}
}

func TestTablePath(t *testing.T) {
	path := tablePath([]Point{
		{Latitude: 37.97, Longitude: 58.38},
		{Latitude: 37.98, Longitude: 58.39},
	}, Point{Latitude: 37.95, Longitude: 58.35})

	assert.Contains(t, path, "/table/v1/driving/58.380000,37.970000;58.390000,37.980000;58.350000,37.950000")
	assert.Contains(t, path, "sources=0;1")
	assert.Contains(t, path, "destinations=2")
}
