package geoindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/logger"
	redisClient "github.com/ridewire/dispatch/pkg/redis"
)

const (
	driverSnapshotPrefix = "driver:snapshot:"
	driverSnapshotTTL    = 5 * time.Minute
	driverGeoIndexKey    = "drivers:geo:index"

	h3DemandPrefix = "h3:demand:"
	demandTTL      = 15 * time.Minute

	// Search bounds
	minRadiusMeters = 1.0
	maxRadiusMeters = 50_000.0
	maxLimit        = 50
)

// Availability states a driver snapshot can be in.
const (
	AvailabilityActive   = "active"
	AvailabilityInactive = "inactive"
	AvailabilityAssigned = "assigned"
)

// vehicleAliases maps client-side shorthand to canonical vehicle types.
var vehicleAliases = map[string]string{
	"moto": "motorcycle",
}

// DriverSnapshot is the last-known state of one driver in the index.
type DriverSnapshot struct {
	DriverID     string    `json:"driver_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	VehicleType  string    `json:"vehicle_type"`
	Availability string    `json:"availability"`
	PushAddress  string    `json:"push_address,omitempty"`
	H3Cell       string    `json:"h3_cell"`
	DistanceKm   float64   `json:"distance_km,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Service maintains the driver supply index in Redis and answers
// nearest-driver queries for the dispatch engine.
type Service struct {
	redis redisClient.ClientInterface
}

// NewService creates a new geo index service.
func NewService(redis redisClient.ClientInterface) *Service {
	return &Service{redis: redis}
}

// NormalizeVehicleType canonicalizes a requested vehicle type. Empty input
// means any vehicle.
func NormalizeVehicleType(vehicleType string) string {
	v := strings.ToLower(strings.TrimSpace(vehicleType))
	if canonical, ok := vehicleAliases[v]; ok {
		return canonical
	}
	return v
}

// UpdateLocation upserts a driver's snapshot and geo index entry.
func (s *Service) UpdateLocation(ctx context.Context, snapshot DriverSnapshot) error {
	if snapshot.DriverID == "" {
		return common.NewBadRequestError("driver_id is required", nil)
	}
	if err := validateCoordinates(snapshot.Latitude, snapshot.Longitude); err != nil {
		return err
	}

	snapshot.VehicleType = NormalizeVehicleType(snapshot.VehicleType)
	if snapshot.Availability == "" {
		snapshot.Availability = AvailabilityActive
	}
	snapshot.H3Cell = GetMatchingCell(snapshot.Latitude, snapshot.Longitude)
	snapshot.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return common.NewInternalError("failed to marshal driver snapshot", err)
	}

	key := driverSnapshotPrefix + snapshot.DriverID
	if err := s.redis.SetWithExpiration(ctx, key, data, driverSnapshotTTL); err != nil {
		return common.NewUnavailableError("failed to store driver snapshot", err)
	}

	if err := s.redis.GeoAdd(ctx, driverGeoIndexKey, snapshot.Longitude, snapshot.Latitude, snapshot.DriverID); err != nil {
		return common.NewUnavailableError("failed to index driver position", err)
	}

	return nil
}

// SetAvailability transitions a driver's availability in the snapshot.
// Unknown drivers are a no-op: the registry call is idempotent and
// best-effort by contract.
func (s *Service) SetAvailability(ctx context.Context, driverID, availability string) error {
	switch availability {
	case AvailabilityActive, AvailabilityInactive, AvailabilityAssigned:
	default:
		return common.NewBadRequestError(fmt.Sprintf("invalid availability %q", availability), nil)
	}

	key := driverSnapshotPrefix + driverID
	data, err := s.redis.GetString(ctx, key)
	if err != nil {
		return nil
	}

	var snapshot DriverSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return common.NewInternalError("corrupt driver snapshot", err)
	}

	snapshot.Availability = availability
	snapshot.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(snapshot)
	if err != nil {
		return common.NewInternalError("failed to marshal driver snapshot", err)
	}
	if err := s.redis.SetWithExpiration(ctx, key, updated, driverSnapshotTTL); err != nil {
		return common.NewUnavailableError("failed to store driver snapshot", err)
	}

	// Inactive drivers drop out of the searchable index
	if availability == AvailabilityInactive {
		if err := s.redis.GeoRemove(ctx, driverGeoIndexKey, driverID); err != nil {
			logger.WarnContext(ctx, "failed to remove driver from geo index",
				zap.String("driver_id", driverID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// GetSnapshot returns one driver's snapshot.
func (s *Service) GetSnapshot(ctx context.Context, driverID string) (*DriverSnapshot, error) {
	data, err := s.redis.GetString(ctx, driverSnapshotPrefix+driverID)
	if err != nil {
		return nil, common.NewNotFoundError("driver snapshot not found", err)
	}

	var snapshot DriverSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, common.NewInternalError("corrupt driver snapshot", err)
	}
	return &snapshot, nil
}

// Nearby returns active drivers within radiusMeters of the origin, filtered
// by vehicle type when given, ordered by ascending distance, capped at limit.
func (s *Service) Nearby(ctx context.Context, latitude, longitude, radiusMeters float64, vehicleType string, limit int) ([]*DriverSnapshot, error) {
	if err := validateCoordinates(latitude, longitude); err != nil {
		return nil, err
	}
	if radiusMeters < minRadiusMeters || radiusMeters > maxRadiusMeters {
		return nil, common.NewBadRequestError(
			fmt.Sprintf("radius must be between %.0f m and %.0f m", minRadiusMeters, maxRadiusMeters), nil)
	}
	if limit < 1 || limit > maxLimit {
		return nil, common.NewBadRequestError(fmt.Sprintf("limit must be between 1 and %d", maxLimit), nil)
	}

	vehicleType = NormalizeVehicleType(vehicleType)

	// Over-fetch: some hits will be filtered out by availability or vehicle type
	members, err := s.redis.GeoSearch(ctx, driverGeoIndexKey, longitude, latitude, radiusMeters, limit*3)
	if err != nil {
		return nil, common.NewUnavailableError("driver index unavailable", err)
	}

	results := make([]*DriverSnapshot, 0, limit)
	for _, member := range members {
		snapshot, err := s.GetSnapshot(ctx, member.Name)
		if err != nil {
			// Expired snapshot with a stale geo entry
			continue
		}
		if snapshot.Availability != AvailabilityActive {
			continue
		}
		if vehicleType != "" && snapshot.VehicleType != vehicleType {
			continue
		}

		snapshot.DistanceKm = member.DistKm
		results = append(results, snapshot)
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

// IncrementDemand bumps the demand counter for the pickup cell. Failures are
// logged only: demand tracking never blocks a dispatch.
func (s *Service) IncrementDemand(ctx context.Context, latitude, longitude float64) {
	key := h3DemandPrefix + GetDemandZone(latitude, longitude)
	if _, err := s.redis.IncrementWithExpiration(ctx, key, demandTTL); err != nil {
		logger.WarnContext(ctx, "failed to increment demand counter",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// SurgeFactor derives a surge multiplier for a pickup point from the demand
// counters around it versus nearby active supply. Neutral (1.0) on any error.
func (s *Service) SurgeFactor(ctx context.Context, latitude, longitude float64) float64 {
	demand := 0
	for _, cell := range GetKRingCellStrings(latitude, longitude, H3ResolutionDemand, 1) {
		data, err := s.redis.GetString(ctx, h3DemandPrefix+cell)
		if err != nil {
			continue
		}
		var count int
		if _, err := fmt.Sscanf(data, "%d", &count); err == nil {
			demand += count
		}
	}

	supply := 0
	if members, err := s.redis.GeoSearch(ctx, driverGeoIndexKey, longitude, latitude, 3_000, maxLimit); err == nil {
		supply = len(members)
	}

	return surgeMultiplier(demand, supply)
}

// surgeMultiplier maps a demand/supply ratio onto [1.0, 3.0].
func surgeMultiplier(demand, supply int) float64 {
	if supply == 0 {
		if demand == 0 {
			return 1.0
		}
		return 3.0
	}

	ratio := float64(demand) / float64(supply)
	switch {
	case ratio <= 1.0:
		return 1.0
	case ratio <= 1.5:
		return 1.0 + (ratio-1.0)*0.5
	case ratio <= 2.0:
		return 1.25 + (ratio-1.5)*0.75
	case ratio <= 3.0:
		return 1.625 + (ratio-2.0)*0.625
	default:
		surge := 2.25 + (ratio-3.0)*0.25
		if surge > 3.0 {
			surge = 3.0
		}
		return math.Round(surge*100) / 100
	}
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371.0

	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

func validateCoordinates(latitude, longitude float64) error {
	if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		return common.NewBadRequestError("coordinates out of range", nil)
	}
	return nil
}
