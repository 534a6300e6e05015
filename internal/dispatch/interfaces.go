package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/ridewire/dispatch/internal/eta"
	"github.com/ridewire/dispatch/internal/geoindex"
	"github.com/ridewire/dispatch/internal/pricing"
	"github.com/ridewire/dispatch/internal/rides"
	"github.com/ridewire/dispatch/pkg/eventbus"
)

// Store is the dispatch persistence surface. All mutating calls are guarded
// writes: the bool result is false when the expected prior state was gone.
type Store interface {
	Create(ctx context.Context, d *Dispatch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Dispatch, error)
	SetCandidateStatus(ctx context.Context, dispatchID uuid.UUID, idx int, from, to CandidateStatus) (bool, error)
	AdvanceCursor(ctx context.Context, dispatchID uuid.UUID, fromCursor int) (bool, error)
	CommitAssignment(ctx context.Context, dispatchID uuid.UUID, idx int, driverID string, rideID uuid.UUID) (bool, error)
	Cancel(ctx context.Context, dispatchID uuid.UUID) (bool, error)
	MarkExhausted(ctx context.Context, dispatchID uuid.UUID) (bool, error)
}

// GeoIndex finds candidate drivers near a pickup point.
type GeoIndex interface {
	Nearby(ctx context.Context, latitude, longitude, radiusMeters float64, vehicleType string, limit int) ([]*geoindex.DriverSnapshot, error)
	IncrementDemand(ctx context.Context, latitude, longitude float64)
}

// ETAOracle estimates travel times from candidate positions to the pickup.
type ETAOracle interface {
	MultiETA(ctx context.Context, origins []eta.Point, destination eta.Point, boundSeconds *float64) (*eta.Result, error)
}

// Geocoder resolves a pickup or dropoff address to coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, address string) (*geoindex.Location, error)
}

// FareQuoter freezes the fare at dispatch time.
type FareQuoter interface {
	Quote(ctx context.Context, pickupLat, pickupLon, dropoffLat, dropoffLon float64) pricing.Quote
}

// Publisher emits notification events to push addresses.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// RideStore creates and compensates rides during assignment.
type RideStore interface {
	Create(ctx context.Context, ride *rides.Ride) error
	Transition(ctx context.Context, id uuid.UUID, from, to rides.RideStatus) (bool, error)
}

// DriverRegistry mirrors driver availability on assignment, best-effort.
type DriverRegistry interface {
	SetAvailability(ctx context.Context, driverID, availability string)
}

// Queue hands dispatch tasks to the offer workers.
type Queue interface {
	Enqueue(ctx context.Context, dispatchID uuid.UUID) error
}
