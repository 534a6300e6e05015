package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles database operations for dispatches. Every state change
// is a guarded UPDATE: the WHERE clause names the expected current state and
// RowsAffected tells the caller whether they won the transition.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new dispatch repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create persists a dispatch and its ranked candidate list in one transaction.
// Candidates below the starting cursor are stored as skipped.
func (r *Repository) Create(ctx context.Context, d *Dispatch) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO dispatches (
			id, rider_id,
			pickup_address, pickup_latitude, pickup_longitude,
			dropoff_address, dropoff_latitude, dropoff_longitude,
			vehicle_type, cursor, outcome, ack_seconds,
			fare_amount, currency, rider_address, correlation_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		d.ID,
		d.RiderID,
		d.PickupAddress,
		d.PickupLatitude,
		d.PickupLongitude,
		d.DropoffAddress,
		d.DropoffLatitude,
		d.DropoffLongitude,
		d.VehicleType,
		d.Cursor,
		d.Outcome,
		d.AckSeconds,
		d.FareAmount,
		d.Currency,
		d.RiderAddress,
		d.CorrelationID,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}

	for i := range d.Candidates {
		c := &d.Candidates[i]
		c.DispatchID = d.ID
		c.Idx = i
		_, err = tx.Exec(ctx, `
			INSERT INTO dispatch_candidates (dispatch_id, idx, driver_id, push_address, eta_seconds, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.DispatchID, c.Idx, c.DriverID, c.PushAddress, c.EtaSeconds, c.Status)
		if err != nil {
			return fmt.Errorf("insert candidate %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByID loads a dispatch with its candidates in idx order.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Dispatch, error) {
	var d Dispatch
	err := r.db.QueryRow(ctx, `
		SELECT id, rider_id,
			   pickup_address, pickup_latitude, pickup_longitude,
			   dropoff_address, dropoff_latitude, dropoff_longitude,
			   vehicle_type, cursor, outcome, ride_id, assigned_driver_id,
			   ack_seconds, fare_amount, currency, rider_address, correlation_id,
			   created_at, updated_at
		FROM dispatches
		WHERE id = $1
	`, id).Scan(
		&d.ID,
		&d.RiderID,
		&d.PickupAddress,
		&d.PickupLatitude,
		&d.PickupLongitude,
		&d.DropoffAddress,
		&d.DropoffLatitude,
		&d.DropoffLongitude,
		&d.VehicleType,
		&d.Cursor,
		&d.Outcome,
		&d.RideID,
		&d.AssignedDriverID,
		&d.AckSeconds,
		&d.FareAmount,
		&d.Currency,
		&d.RiderAddress,
		&d.CorrelationID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT dispatch_id, idx, driver_id, push_address, eta_seconds, status, offered_at, responded_at
		FROM dispatch_candidates
		WHERE dispatch_id = $1
		ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.DispatchID, &c.Idx, &c.DriverID, &c.PushAddress, &c.EtaSeconds, &c.Status, &c.OfferedAt, &c.RespondedAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		d.Candidates = append(d.Candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return &d, nil
}

// SetCandidateStatus transitions one candidate between statuses. Returns
// false when the candidate was not in the expected status.
func (r *Repository) SetCandidateStatus(ctx context.Context, dispatchID uuid.UUID, idx int, from, to CandidateStatus) (bool, error) {
	now := time.Now()

	var timestampColumn string
	switch to {
	case CandidateOffered:
		timestampColumn = "offered_at"
	default:
		timestampColumn = "responded_at"
	}

	query := fmt.Sprintf(`
		UPDATE dispatch_candidates
		SET status = $1, %s = $2
		WHERE dispatch_id = $3 AND idx = $4 AND status = $5
	`, timestampColumn)

	tag, err := r.db.Exec(ctx, query, to, now, dispatchID, idx, from)
	if err != nil {
		return false, fmt.Errorf("set candidate status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceCursor moves the cursor from the given position to the next one.
// Only succeeds while the dispatch is still pending.
func (r *Repository) AdvanceCursor(ctx context.Context, dispatchID uuid.UUID, fromCursor int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE dispatches
		SET cursor = $1, updated_at = NOW()
		WHERE id = $2 AND cursor = $3 AND outcome = 'pending'
	`, fromCursor+1, dispatchID, fromCursor)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CommitAssignment finalizes a dispatch in one transaction: outcome becomes
// assigned and the winning candidate moves acked -> assigned. False means the
// dispatch reached a terminal outcome first (e.g. a concurrent cancel) or the
// candidate was never acked.
func (r *Repository) CommitAssignment(ctx context.Context, dispatchID uuid.UUID, idx int, driverID string, rideID uuid.UUID) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE dispatches
		SET outcome = 'assigned', ride_id = $1, assigned_driver_id = $2, updated_at = NOW()
		WHERE id = $3 AND outcome = 'pending'
	`, rideID, driverID, dispatchID)
	if err != nil {
		return false, fmt.Errorf("assign dispatch: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE dispatch_candidates
		SET status = 'assigned', responded_at = NOW()
		WHERE dispatch_id = $1 AND idx = $2 AND status = 'acked'
	`, dispatchID, idx)
	if err != nil {
		return false, fmt.Errorf("assign candidate: %w", err)
	}
	if tag.RowsAffected() != 1 {
		// rollback the dispatch update too; an unacked candidate must not win
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Cancel moves a pending dispatch to cancelled.
func (r *Repository) Cancel(ctx context.Context, dispatchID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE dispatches
		SET outcome = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND outcome = 'pending'
	`, dispatchID)
	if err != nil {
		return false, fmt.Errorf("cancel dispatch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExhausted moves a pending dispatch to exhausted after the last
// candidate declined or timed out.
func (r *Repository) MarkExhausted(ctx context.Context, dispatchID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE dispatches
		SET outcome = 'exhausted', updated_at = NOW()
		WHERE id = $1 AND outcome = 'pending'
	`, dispatchID)
	if err != nil {
		return false, fmt.Errorf("mark exhausted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
