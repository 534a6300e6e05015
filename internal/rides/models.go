package rides

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	// RideStatusAccepted: assignment committed, driver en route to pickup.
	RideStatusAccepted RideStatus = "accepted"
	// RideStatusOngoing: pickup OTP verified, trip in progress.
	RideStatusOngoing   RideStatus = "ongoing"
	RideStatusCompleted RideStatus = "completed"
	RideStatusCancelled RideStatus = "cancelled"
)

// Ride is the durable ride entity, created at assignment time.
type Ride struct {
	ID               uuid.UUID  `json:"id"`
	DispatchID       *uuid.UUID `json:"dispatch_id,omitempty"`
	RiderID          string     `json:"rider_id"`
	DriverID         string     `json:"driver_id"`
	PickupAddress    string     `json:"pickup_address"`
	PickupLatitude   float64    `json:"pickup_latitude"`
	PickupLongitude  float64    `json:"pickup_longitude"`
	DropoffAddress   string     `json:"dropoff_address"`
	DropoffLatitude  float64    `json:"dropoff_latitude"`
	DropoffLongitude float64    `json:"dropoff_longitude"`
	FareAmount       int64      `json:"fare_amount"`
	Currency         string     `json:"currency"`
	Status           RideStatus `json:"status"`

	// Otp is write-only: empty on every read path unless explicitly included.
	Otp string `json:"otp,omitempty"`

	// Push addresses frozen at assignment time, used for lifecycle events.
	RiderAddress  string `json:"-"`
	DriverAddress string `json:"-"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MintOTP generates a random 6-digit one-time pickup code.
func MintOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("mint otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
