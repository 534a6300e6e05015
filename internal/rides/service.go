package rides

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/eventbus"
	"github.com/ridewire/dispatch/pkg/logger"
)

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, ride *Ride) error
	GetByID(ctx context.Context, id uuid.UUID, includeOtp bool) (*Ride, error)
	Transition(ctx context.Context, id uuid.UUID, from, to RideStatus) (bool, error)
}

// Publisher emits lifecycle events. Event delivery is best-effort: a failed
// publish is logged, never surfaced to the caller.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

const eventSource = "rides-service"

// Service handles the ride lifecycle after assignment.
type Service struct {
	store Store
	bus   Publisher
}

func NewService(store Store, bus Publisher) *Service {
	return &Service{store: store, bus: bus}
}

// Get returns a ride without its OTP.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Ride, error) {
	ride, err := s.store.GetByID(ctx, id, false)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}
	if ride == nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}
	return ride, nil
}

// Start verifies the pickup OTP and moves the ride from accepted to ongoing.
// The OTP acts as proof the driver actually met the rider.
func (s *Service) Start(ctx context.Context, id uuid.UUID, otp string) (*Ride, error) {
	ride, err := s.store.GetByID(ctx, id, true)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}
	if ride == nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}
	if subtle.ConstantTimeCompare([]byte(ride.Otp), []byte(otp)) != 1 {
		return nil, common.NewBadRequestError("invalid pickup code", nil)
	}

	ok, err := s.store.Transition(ctx, id, RideStatusAccepted, RideStatusOngoing)
	if err != nil {
		return nil, common.NewInternalError("failed to start ride", err)
	}
	if !ok {
		return nil, common.NewConflictError("ride is not awaiting pickup")
	}

	started, err := s.store.GetByID(ctx, id, false)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}

	s.emit(ctx, eventbus.EventRideStarted, started.RiderAddress, eventbus.RideStartedData{
		RideID:    started.ID,
		RiderID:   started.RiderID,
		DriverID:  started.DriverID,
		StartedAt: derefOr(started.StartedAt, time.Now().UTC()),
	})
	return started, nil
}

// Complete moves the ride from ongoing to completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Ride, error) {
	ok, err := s.store.Transition(ctx, id, RideStatusOngoing, RideStatusCompleted)
	if err != nil {
		return nil, common.NewInternalError("failed to complete ride", err)
	}
	if !ok {
		ride, getErr := s.store.GetByID(ctx, id, false)
		if getErr != nil {
			return nil, common.NewInternalError("failed to load ride", getErr)
		}
		if ride == nil {
			return nil, common.NewNotFoundError("ride not found", nil)
		}
		return nil, common.NewConflictError("ride is not in progress")
	}

	done, err := s.store.GetByID(ctx, id, false)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}

	data := eventbus.RideEndedData{
		RideID:      done.ID,
		RiderID:     done.RiderID,
		DriverID:    done.DriverID,
		FareAmount:  done.FareAmount,
		Currency:    done.Currency,
		CompletedAt: derefOr(done.CompletedAt, time.Now().UTC()),
	}
	s.emit(ctx, eventbus.EventRideEnded, done.RiderAddress, data)
	s.emit(ctx, eventbus.EventRideEnded, done.DriverAddress, data)
	return done, nil
}

// Cancel cancels a ride that has not completed. Cancelling an already
// cancelled ride is a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Ride, error) {
	for _, from := range []RideStatus{RideStatusAccepted, RideStatusOngoing} {
		ok, err := s.store.Transition(ctx, id, from, RideStatusCancelled)
		if err != nil {
			return nil, common.NewInternalError("failed to cancel ride", err)
		}
		if ok {
			return s.Get(ctx, id)
		}
	}

	ride, err := s.store.GetByID(ctx, id, false)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}
	if ride == nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}
	if ride.Status == RideStatusCancelled {
		return ride, nil
	}
	return nil, common.NewConflictError("ride already completed")
}

func (s *Service) emit(ctx context.Context, eventType, address string, data interface{}) {
	if s.bus == nil || address == "" {
		return
	}
	event, err := eventbus.NewEvent(ctx, eventType, eventSource, address, data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build ride event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.EventSubject(address), event); err != nil {
		logger.WarnContext(ctx, "failed to publish ride event",
			zap.String("type", eventType),
			zap.String("address", address),
			zap.Error(err),
		)
	}
}

func derefOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
