package rides

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles database operations for rides.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new rides repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new ride. The OTP is written here and never updated.
func (r *Repository) Create(ctx context.Context, ride *Ride) error {
	query := `
		INSERT INTO rides (
			id, dispatch_id, rider_id, driver_id,
			pickup_address, pickup_latitude, pickup_longitude,
			dropoff_address, dropoff_latitude, dropoff_longitude,
			fare_amount, currency, status, otp,
			rider_address, driver_address
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		ride.ID,
		ride.DispatchID,
		ride.RiderID,
		ride.DriverID,
		ride.PickupAddress,
		ride.PickupLatitude,
		ride.PickupLongitude,
		ride.DropoffAddress,
		ride.DropoffLatitude,
		ride.DropoffLongitude,
		ride.FareAmount,
		ride.Currency,
		ride.Status,
		ride.Otp,
		ride.RiderAddress,
		ride.DriverAddress,
	).Scan(&ride.CreatedAt, &ride.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ride: %w", err)
	}
	return nil
}

// GetByID retrieves a ride. The OTP column is only scanned when includeOtp
// is set; every other read path sees an empty OTP.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, includeOtp bool) (*Ride, error) {
	otpColumn := "''"
	if includeOtp {
		otpColumn = "otp"
	}

	query := fmt.Sprintf(`
		SELECT id, dispatch_id, rider_id, driver_id,
			   pickup_address, pickup_latitude, pickup_longitude,
			   dropoff_address, dropoff_latitude, dropoff_longitude,
			   fare_amount, currency, status, %s,
			   rider_address, driver_address,
			   started_at, completed_at, cancelled_at, created_at, updated_at
		FROM rides
		WHERE id = $1
	`, otpColumn)

	var ride Ride
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ride.ID,
		&ride.DispatchID,
		&ride.RiderID,
		&ride.DriverID,
		&ride.PickupAddress,
		&ride.PickupLatitude,
		&ride.PickupLongitude,
		&ride.DropoffAddress,
		&ride.DropoffLatitude,
		&ride.DropoffLongitude,
		&ride.FareAmount,
		&ride.Currency,
		&ride.Status,
		&ride.Otp,
		&ride.RiderAddress,
		&ride.DriverAddress,
		&ride.StartedAt,
		&ride.CompletedAt,
		&ride.CancelledAt,
		&ride.CreatedAt,
		&ride.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return &ride, nil
}

// Transition moves a ride from one status to another in a single UPDATE with
// a WHERE status guard. Returns false when the ride was not in the expected
// state; the caller re-reads to distinguish a conflict from a missing row.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to RideStatus) (bool, error) {
	now := time.Now()

	var timestampColumn string
	switch to {
	case RideStatusOngoing:
		timestampColumn = "started_at"
	case RideStatusCompleted:
		timestampColumn = "completed_at"
	case RideStatusCancelled:
		timestampColumn = "cancelled_at"
	default:
		return false, fmt.Errorf("unsupported transition target %q", to)
	}

	query := fmt.Sprintf(`
		UPDATE rides
		SET status = $1, %s = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, timestampColumn)

	tag, err := r.db.Exec(ctx, query, to, now, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
