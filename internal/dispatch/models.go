package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal-or-pending state of a dispatch.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeAssigned  Outcome = "assigned"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExhausted Outcome = "exhausted"
)

// Terminal reports whether the outcome can no longer change.
func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

// CandidateStatus tracks one driver's position in the offer ladder.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateOffered  CandidateStatus = "offered"
	CandidateAcked    CandidateStatus = "acked"
	CandidateRejected CandidateStatus = "rejected"
	CandidateTimedOut CandidateStatus = "timed_out"
	// CandidateSkipped marks drivers before the ETA cursor that never get an offer.
	CandidateSkipped  CandidateStatus = "skipped"
	CandidateAssigned CandidateStatus = "assigned"
)

// Candidate is one driver in the ranked offer list, ordered by proximity with
// the cursor starting at the best ETA.
type Candidate struct {
	DispatchID  uuid.UUID       `json:"dispatch_id"`
	Idx         int             `json:"idx"`
	DriverID    string          `json:"driver_id"`
	PushAddress string          `json:"push_address"`
	EtaSeconds  *float64        `json:"eta_seconds,omitempty"`
	Status      CandidateStatus `json:"status"`
	OfferedAt   *time.Time      `json:"offered_at,omitempty"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
}

// Dispatch is one rider request working its way down the candidate ladder.
type Dispatch struct {
	ID               uuid.UUID `json:"id"`
	RiderID          string    `json:"rider_id"`
	PickupAddress    string    `json:"pickup_address"`
	PickupLatitude   float64   `json:"pickup_latitude"`
	PickupLongitude  float64   `json:"pickup_longitude"`
	DropoffAddress   string    `json:"dropoff_address"`
	DropoffLatitude  float64   `json:"dropoff_latitude"`
	DropoffLongitude float64   `json:"dropoff_longitude"`
	VehicleType      string    `json:"vehicle_type"`

	// Cursor is the index of the candidate currently holding (or next to
	// receive) the offer. Only the scheduler advances it.
	Cursor  int     `json:"cursor"`
	Outcome Outcome `json:"outcome"`

	RideID           *uuid.UUID `json:"ride_id,omitempty"`
	AssignedDriverID *string    `json:"assigned_driver_id,omitempty"`

	AckSeconds int    `json:"ack_seconds"`
	FareAmount int64  `json:"fare_amount"`
	Currency   string `json:"currency"`

	RiderAddress  string `json:"-"`
	CorrelationID string `json:"-"`

	Candidates []Candidate `json:"candidates,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentCandidate returns the candidate at the cursor, or nil when the
// ladder is exhausted.
func (d *Dispatch) CurrentCandidate() *Candidate {
	if d.Cursor < 0 || d.Cursor >= len(d.Candidates) {
		return nil
	}
	return &d.Candidates[d.Cursor]
}
