package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideOfferData is delivered to a driver's push address when the scheduler
// offers them a dispatch. The driver acks through the HTTP API before the
// deadline or the offer moves on.
type RideOfferData struct {
	DispatchID       uuid.UUID `json:"dispatch_id"`
	DriverID         string    `json:"driver_id"`
	PickupAddress    string    `json:"pickup_address"`
	PickupLatitude   float64   `json:"pickup_latitude"`
	PickupLongitude  float64   `json:"pickup_longitude"`
	DropoffAddress   string    `json:"dropoff_address"`
	DropoffLatitude  float64   `json:"dropoff_latitude"`
	DropoffLongitude float64   `json:"dropoff_longitude"`
	VehicleType      string    `json:"vehicle_type"`
	FareAmount       int64     `json:"fare_amount"`
	Currency         string    `json:"currency"`
	EtaSeconds       *float64  `json:"eta_seconds,omitempty"`
	AckDeadline      time.Time `json:"ack_deadline"`
	OfferedAt        time.Time `json:"offered_at"`
}

// RideOfferAcceptedData is delivered to the winning driver's push address once
// the assignment is committed. The payload shape is stable: dispatch and ride
// ids only.
type RideOfferAcceptedData struct {
	DispatchID uuid.UUID `json:"dispatch_id"`
	RideID     uuid.UUID `json:"ride_id"`
}

// RideAssignedData is delivered to the rider once the assignment is durable.
type RideAssignedData struct {
	DispatchID uuid.UUID `json:"dispatch_id"`
	RideID     uuid.UUID `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	FareAmount int64     `json:"fare_amount"`
	Currency   string    `json:"currency"`
	AssignedAt time.Time `json:"assigned_at"`
}

// DispatchFailedData is delivered to the rider when every candidate was
// exhausted without an accepted offer.
type DispatchFailedData struct {
	DispatchID      uuid.UUID `json:"dispatch_id"`
	Reason          string    `json:"reason"`
	CandidatesTried int       `json:"candidates_tried"`
	FailedAt        time.Time `json:"failed_at"`
}

// RideConfirmedData is delivered to the rider after the assignment is
// committed, carrying the pickup OTP to present to the driver.
type RideConfirmedData struct {
	DispatchID uuid.UUID `json:"dispatch_id"`
	RideID     uuid.UUID `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	Otp        string    `json:"otp"`
	FareAmount int64     `json:"fare_amount"`
	Currency   string    `json:"currency"`
}

// RideStartedData is emitted when the driver verifies the OTP and the ride
// transitions to ongoing.
type RideStartedData struct {
	RideID    uuid.UUID `json:"ride_id"`
	RiderID   string    `json:"rider_id"`
	DriverID  string    `json:"driver_id"`
	StartedAt time.Time `json:"started_at"`
}

// RideEndedData is emitted when the ride completes.
type RideEndedData struct {
	RideID      uuid.UUID `json:"ride_id"`
	RiderID     string    `json:"rider_id"`
	DriverID    string    `json:"driver_id"`
	FareAmount  int64     `json:"fare_amount"`
	Currency    string    `json:"currency"`
	CompletedAt time.Time `json:"completed_at"`
}

// OfferTaskData is the work item queued for the offer scheduler. One task per
// dispatch; the consuming worker drives the candidate ladder until the
// dispatch reaches a terminal outcome.
type OfferTaskData struct {
	DispatchID uuid.UUID `json:"dispatch_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
