package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/internal/rides"
	"github.com/ridewire/dispatch/pkg/eventbus"
	"github.com/ridewire/dispatch/pkg/logger"
)

const schedulerSource = "dispatch-scheduler"

// SchedulerConfig tunes the offer loop.
type SchedulerConfig struct {
	// PollInterval is how often a waiting worker re-reads the dispatch while
	// an offer is out. It bounds how quickly a cancellation is noticed.
	PollInterval time.Duration
}

// Scheduler walks one dispatch down its candidate ladder: offer, wait for the
// ack window, then assign, advance or give up. All state lives in the store,
// so a worker that dies mid-dispatch is resumed by whichever worker receives
// the redelivered task.
type Scheduler struct {
	store     Store
	bus       Publisher
	rideStore RideStore
	registry  DriverRegistry
	cfg       SchedulerConfig

	now func() time.Time
}

// NewScheduler creates a scheduler. registry may be nil.
func NewScheduler(store Store, bus Publisher, rideStore RideStore, registry DriverRegistry, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Scheduler{
		store:     store,
		bus:       bus,
		rideStore: rideStore,
		registry:  registry,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run drives the dispatch to a terminal outcome. A nil return means the task
// is settled and can be acked; an error means transient trouble and the task
// should be redelivered.
func (s *Scheduler) Run(ctx context.Context, dispatchID uuid.UUID) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := s.store.GetByID(ctx, dispatchID)
		if err != nil {
			return fmt.Errorf("load dispatch: %w", err)
		}
		if d == nil {
			logger.WarnContext(ctx, "dispatch task for unknown dispatch", zap.String("dispatch_id", dispatchID.String()))
			return nil
		}

		if d.CorrelationID != "" {
			ctx = logger.ContextWithCorrelationID(ctx, d.CorrelationID)
		}

		if d.Outcome.Terminal() {
			return nil
		}

		candidate := d.CurrentCandidate()
		if candidate == nil {
			return s.exhaust(ctx, d)
		}

		switch candidate.Status {
		case CandidatePending:
			if err := s.extendOffer(ctx, d, candidate); err != nil {
				return err
			}

		case CandidateOffered:
			// Resumes here after a crash too: the deadline is derived from
			// the stored offered_at, not from worker-local state.
			if err := s.awaitResponse(ctx, d, candidate); err != nil {
				return err
			}

		case CandidateAcked:
			return s.finalize(ctx, d, candidate)

		case CandidateRejected, CandidateTimedOut, CandidateSkipped:
			if _, err := s.store.AdvanceCursor(ctx, d.ID, d.Cursor); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}

		case CandidateAssigned:
			return nil
		}
	}
}

// extendOffer notifies the driver and marks the candidate offered. The event
// goes out before the status flips so a crash in between republishes the
// offer rather than silently waiting on a driver who never saw it.
func (s *Scheduler) extendOffer(ctx context.Context, d *Dispatch, c *Candidate) error {
	deadline := s.now().UTC().Add(time.Duration(d.AckSeconds) * time.Second)

	data := eventbus.RideOfferData{
		DispatchID:       d.ID,
		DriverID:         c.DriverID,
		PickupAddress:    d.PickupAddress,
		PickupLatitude:   d.PickupLatitude,
		PickupLongitude:  d.PickupLongitude,
		DropoffAddress:   d.DropoffAddress,
		DropoffLatitude:  d.DropoffLatitude,
		DropoffLongitude: d.DropoffLongitude,
		VehicleType:      d.VehicleType,
		FareAmount:       d.FareAmount,
		Currency:         d.Currency,
		EtaSeconds:       c.EtaSeconds,
		AckDeadline:      deadline,
		OfferedAt:        s.now().UTC(),
	}
	s.publish(ctx, c.PushAddress, eventbus.EventRideOffer, data)

	ok, err := s.store.SetCandidateStatus(ctx, d.ID, c.Idx, CandidatePending, CandidateOffered)
	if err != nil {
		return fmt.Errorf("mark offered: %w", err)
	}
	if !ok {
		logger.DebugContext(ctx, "candidate no longer pending, re-reading",
			zap.String("dispatch_id", d.ID.String()),
			zap.Int("idx", c.Idx),
		)
	}
	return nil
}

// awaitResponse polls until the driver responds, the window elapses or the
// dispatch is cancelled. A cancellation is observed within one poll interval.
func (s *Scheduler) awaitResponse(ctx context.Context, d *Dispatch, c *Candidate) error {
	offeredAt := s.now().UTC()
	if c.OfferedAt != nil {
		offeredAt = *c.OfferedAt
	}
	deadline := offeredAt.Add(time.Duration(d.AckSeconds) * time.Second)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if s.now().After(deadline) {
			ok, err := s.store.SetCandidateStatus(ctx, d.ID, c.Idx, CandidateOffered, CandidateTimedOut)
			if err != nil {
				return fmt.Errorf("mark timed out: %w", err)
			}
			if ok {
				logger.InfoContext(ctx, "offer timed out",
					zap.String("dispatch_id", d.ID.String()),
					zap.String("driver_id", c.DriverID),
				)
			}
			// either we timed it out or the driver responded first;
			// the main loop re-reads and acts on whichever won
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		fresh, err := s.store.GetByID(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("poll dispatch: %w", err)
		}
		if fresh == nil || fresh.Outcome.Terminal() {
			return nil
		}
		freshCandidate := fresh.CurrentCandidate()
		if freshCandidate == nil || freshCandidate.Idx != c.Idx || freshCandidate.Status != CandidateOffered {
			return nil
		}
	}
}

// finalize turns an accepted offer into a durable assignment: mint the ride,
// commit the dispatch, notify both parties. When the commit loses to a
// concurrent cancel the freshly created ride is compensated away.
func (s *Scheduler) finalize(ctx context.Context, d *Dispatch, c *Candidate) error {
	otp, err := rides.MintOTP()
	if err != nil {
		return fmt.Errorf("mint otp: %w", err)
	}

	ride := &rides.Ride{
		ID:               uuid.New(),
		DispatchID:       &d.ID,
		RiderID:          d.RiderID,
		DriverID:         c.DriverID,
		PickupAddress:    d.PickupAddress,
		PickupLatitude:   d.PickupLatitude,
		PickupLongitude:  d.PickupLongitude,
		DropoffAddress:   d.DropoffAddress,
		DropoffLatitude:  d.DropoffLatitude,
		DropoffLongitude: d.DropoffLongitude,
		FareAmount:       d.FareAmount,
		Currency:         d.Currency,
		Status:           rides.RideStatusAccepted,
		Otp:              otp,
		RiderAddress:     d.RiderAddress,
		DriverAddress:    c.PushAddress,
	}
	if err := s.rideStore.Create(ctx, ride); err != nil {
		return fmt.Errorf("create ride: %w", err)
	}

	committed, err := s.store.CommitAssignment(ctx, d.ID, c.Idx, c.DriverID, ride.ID)
	if err != nil {
		return fmt.Errorf("commit assignment: %w", err)
	}
	if !committed {
		// The dispatch was cancelled between the ack and the commit.
		if _, err := s.rideStore.Transition(ctx, ride.ID, rides.RideStatusAccepted, rides.RideStatusCancelled); err != nil {
			logger.ErrorContext(ctx, "failed to compensate orphaned ride",
				zap.String("ride_id", ride.ID.String()),
				zap.Error(err),
			)
		}
		logger.InfoContext(ctx, "assignment lost to concurrent cancel",
			zap.String("dispatch_id", d.ID.String()),
			zap.String("ride_id", ride.ID.String()),
		)
		return nil
	}

	if s.registry != nil {
		s.registry.SetAvailability(ctx, c.DriverID, "assigned")
	}

	now := s.now().UTC()
	s.publish(ctx, c.PushAddress, eventbus.EventRideOfferAccepted, eventbus.RideOfferAcceptedData{
		DispatchID: d.ID,
		RideID:     ride.ID,
	})
	s.publish(ctx, d.RiderAddress, eventbus.EventRideAssigned, eventbus.RideAssignedData{
		DispatchID: d.ID,
		RideID:     ride.ID,
		DriverID:   c.DriverID,
		FareAmount: d.FareAmount,
		Currency:   d.Currency,
		AssignedAt: now,
	})
	s.publish(ctx, d.RiderAddress, eventbus.EventRideConfirmed, eventbus.RideConfirmedData{
		DispatchID: d.ID,
		RideID:     ride.ID,
		DriverID:   c.DriverID,
		Otp:        otp,
		FareAmount: d.FareAmount,
		Currency:   d.Currency,
	})

	logger.InfoContext(ctx, "dispatch assigned",
		zap.String("dispatch_id", d.ID.String()),
		zap.String("ride_id", ride.ID.String()),
		zap.String("driver_id", c.DriverID),
	)
	return nil
}

// exhaust settles a dispatch whose ladder ran out of candidates.
func (s *Scheduler) exhaust(ctx context.Context, d *Dispatch) error {
	ok, err := s.store.MarkExhausted(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	if !ok {
		return nil
	}

	tried := 0
	for _, c := range d.Candidates {
		if c.Status != CandidatePending && c.Status != CandidateSkipped {
			tried++
		}
	}
	s.publish(ctx, d.RiderAddress, eventbus.EventDispatchFailed, eventbus.DispatchFailedData{
		DispatchID:      d.ID,
		Reason:          "all candidates declined or timed out",
		CandidatesTried: tried,
		FailedAt:        s.now().UTC(),
	})

	logger.InfoContext(ctx, "dispatch exhausted",
		zap.String("dispatch_id", d.ID.String()),
		zap.Int("candidates_tried", tried),
	)
	return nil
}

func (s *Scheduler) publish(ctx context.Context, address, eventType string, data interface{}) {
	if s.bus == nil || address == "" {
		return
	}
	event, err := eventbus.NewEvent(ctx, eventType, schedulerSource, address, data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.EventSubject(address), event); err != nil {
		logger.WarnContext(ctx, "failed to publish event",
			zap.String("type", eventType),
			zap.String("address", address),
			zap.Error(err),
		)
	}
}
