package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/internal/eta"
	"github.com/ridewire/dispatch/internal/geoindex"
	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/eventbus"
	"github.com/ridewire/dispatch/pkg/logger"
	"github.com/ridewire/dispatch/pkg/resilience"
)

const eventSource = "dispatch-service"

// ServiceConfig holds the engine defaults the service applies to requests
// that omit them.
type ServiceConfig struct {
	AckSecondsDefault int
	RadiusKmDefault   float64
	LimitDefault      int
}

// Collaborators groups everything the service talks to. All fields are
// required except Idempotency (nil disables dedup) and Registry.
type Collaborators struct {
	Store       Store
	Geo         GeoIndex
	Oracle      ETAOracle
	Geocoder    Geocoder
	Fares       FareQuoter
	Bus         Publisher
	Queue       Queue
	Idempotency *IdempotencyCache
}

// Service coordinates dispatch creation, offer acknowledgement and
// cancellation. The offer ladder itself is driven by the Scheduler.
type Service struct {
	store    Store
	geo      GeoIndex
	oracle   ETAOracle
	geocoder Geocoder
	fares    FareQuoter
	bus      Publisher
	queue    Queue
	idem     *IdempotencyCache
	cfg      ServiceConfig

	nearbyRetry resilience.RetryConfig
}

// NewService creates the dispatch service.
func NewService(c Collaborators, cfg ServiceConfig) *Service {
	if cfg.AckSecondsDefault == 0 {
		cfg.AckSecondsDefault = 30
	}
	if cfg.RadiusKmDefault == 0 {
		cfg.RadiusKmDefault = 5
	}
	if cfg.LimitDefault == 0 {
		cfg.LimitDefault = 10
	}
	return &Service{
		store:    c.Store,
		geo:      c.Geo,
		oracle:   c.Oracle,
		geocoder: c.Geocoder,
		fares:    c.Fares,
		bus:      c.Bus,
		queue:    c.Queue,
		idem:     c.Idempotency,
		cfg:      cfg,

		nearbyRetry: resilience.ProviderRetryConfig(),
	}
}

// StartDispatchRequest is the input for creating a dispatch.
type StartDispatchRequest struct {
	RiderID      string `json:"rider_id" validate:"required"`
	Pickup       string `json:"pickup" validate:"required"`
	Dropoff      string `json:"dropoff" validate:"required"`
	VehicleType  string `json:"vehicle_type" validate:"omitempty,vehicle_type"`
	RiderAddress string `json:"rider_address"`

	// Optional overrides; engine defaults apply when zero.
	RadiusKm     float64  `json:"radius_km" validate:"omitempty,gt=0,lte=50"`
	Limit        int      `json:"limit" validate:"omitempty,gt=0,lte=50"`
	AckSeconds   int      `json:"ack_seconds" validate:"omitempty,gte=5,lte=120"`
	BoundSeconds *float64 `json:"bound_seconds" validate:"omitempty"`

	// IdempotencyKey comes from the Idempotency-Key header, not the body.
	IdempotencyKey string `json:"-"`
}

// StartDispatch resolves addresses, ranks nearby drivers by ETA and persists
// the dispatch with its candidate ladder, then queues it for the offer
// workers. Returns created=false when an idempotent duplicate resolved to an
// existing dispatch.
func (s *Service) StartDispatch(ctx context.Context, req *StartDispatchRequest) (d *Dispatch, created bool, err error) {
	key := DeriveKey(req.IdempotencyKey, req.RiderID, req.Pickup, req.Dropoff, req.VehicleType)
	if s.idem != nil {
		won, existingID, err := s.idem.Begin(ctx, key)
		if err != nil {
			return nil, false, common.NewUnavailableError("idempotency store unavailable", err)
		}
		if !won {
			if existingID == uuid.Nil {
				return nil, false, common.NewConflictError("an identical dispatch request is in flight")
			}
			existing, err := s.store.GetByID(ctx, existingID)
			if err != nil {
				return nil, false, common.NewInternalError("failed to load dispatch", err)
			}
			if existing != nil {
				return existing, false, nil
			}
			// cache points at a vanished dispatch; fall through and recreate
		}
		defer func() {
			if err != nil {
				s.idem.Abort(ctx, key)
			}
		}()
	}

	pickup, err := s.geocoder.Resolve(ctx, req.Pickup)
	if err != nil {
		return nil, false, err
	}
	dropoff, err := s.geocoder.Resolve(ctx, req.Dropoff)
	if err != nil {
		return nil, false, err
	}

	radiusKm := req.RadiusKm
	if radiusKm == 0 {
		radiusKm = s.cfg.RadiusKmDefault
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.cfg.LimitDefault
	}
	ackSeconds := req.AckSeconds
	if ackSeconds == 0 {
		ackSeconds = s.cfg.AckSecondsDefault
	}

	vehicleType := geoindex.NormalizeVehicleType(req.VehicleType)

	drivers, err := s.nearbyWithRetry(ctx, pickup, radiusKm, vehicleType, limit)
	if err != nil {
		return nil, false, err
	}

	s.geo.IncrementDemand(ctx, pickup.Latitude, pickup.Longitude)

	quote := s.fares.Quote(ctx, pickup.Latitude, pickup.Longitude, dropoff.Latitude, dropoff.Longitude)

	d = &Dispatch{
		ID:               uuid.New(),
		RiderID:          req.RiderID,
		PickupAddress:    pickup.Address,
		PickupLatitude:   pickup.Latitude,
		PickupLongitude:  pickup.Longitude,
		DropoffAddress:   dropoff.Address,
		DropoffLatitude:  dropoff.Latitude,
		DropoffLongitude: dropoff.Longitude,
		VehicleType:      vehicleType,
		Outcome:          OutcomePending,
		AckSeconds:       ackSeconds,
		FareAmount:       quote.Amount,
		Currency:         quote.Currency,
		RiderAddress:     req.RiderAddress,
		CorrelationID:    logger.CorrelationIDFromContext(ctx),
	}

	if len(drivers) == 0 {
		d.Outcome = OutcomeExhausted
		if err := s.store.Create(ctx, d); err != nil {
			return nil, false, common.NewInternalError("failed to persist dispatch", err)
		}
		// the deferred Abort releases the idempotency claim so the rider can
		// retry once drivers appear
		s.emitDispatchFailed(ctx, d, "no drivers available", 0)
		return d, true, common.NewNotFoundError("no drivers available", nil)
	}

	d.Candidates = make([]Candidate, len(drivers))
	origins := make([]eta.Point, len(drivers))
	for i, drv := range drivers {
		d.Candidates[i] = Candidate{
			Idx:         i,
			DriverID:    drv.DriverID,
			PushAddress: drv.PushAddress,
			Status:      CandidatePending,
		}
		origins[i] = eta.Point{Latitude: drv.Latitude, Longitude: drv.Longitude}
	}

	d.Cursor, err = s.rankByETA(ctx, d.Candidates, origins, eta.Point{
		Latitude:  pickup.Latitude,
		Longitude: pickup.Longitude,
	}, req.BoundSeconds)
	if err != nil {
		return nil, false, err
	}

	for i := 0; i < d.Cursor; i++ {
		d.Candidates[i].Status = CandidateSkipped
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, false, common.NewInternalError("failed to persist dispatch", err)
	}

	if err := s.queue.Enqueue(ctx, d.ID); err != nil {
		// No worker will ever drive this dispatch; settle it instead of
		// leaving a pending row behind, and let the rider retry. The deferred
		// Abort releases the idempotency claim.
		logger.ErrorContext(ctx, "failed to enqueue dispatch task",
			zap.String("dispatch_id", d.ID.String()),
			zap.Error(err),
		)
		if _, cancelErr := s.store.Cancel(ctx, d.ID); cancelErr != nil {
			logger.ErrorContext(ctx, "failed to settle unqueued dispatch",
				zap.String("dispatch_id", d.ID.String()),
				zap.Error(cancelErr),
			)
		}
		return nil, false, common.NewUnavailableError("dispatch queue unavailable", err)
	}
	s.commitIdempotency(ctx, key, d.ID)

	return d, true, nil
}

// nearbyWithRetry queries the geo index, retrying transient failures with the
// provider policy before giving up with a 502.
func (s *Service) nearbyWithRetry(ctx context.Context, pickup *geoindex.Location, radiusKm float64, vehicleType string, limit int) ([]*geoindex.DriverSnapshot, error) {
	cfg := s.nearbyRetry
	cfg.RetryableChecker = func(err error) bool {
		return common.AsAppError(err).Code == 502
	}

	result, err := resilience.RetryWithName(ctx, cfg, func(ctx context.Context) (interface{}, error) {
		return s.geo.Nearby(ctx, pickup.Latitude, pickup.Longitude, radiusKm*1000, vehicleType, limit)
	}, "geo_nearby")
	if err != nil {
		return nil, err
	}
	return result.([]*geoindex.DriverSnapshot), nil
}

// rankByETA annotates candidates with ETAs and returns the starting cursor.
// A bound that filters every candidate falls back to an unbounded query. An
// oracle failure propagates; the oracle retries internally before giving up.
func (s *Service) rankByETA(ctx context.Context, candidates []Candidate, origins []eta.Point, pickup eta.Point, boundSeconds *float64) (int, error) {
	result, err := s.oracle.MultiETA(ctx, origins, pickup, boundSeconds)
	if err != nil {
		return 0, err
	}

	if result.BestIndex < 0 && boundSeconds != nil {
		result, err = s.oracle.MultiETA(ctx, origins, pickup, nil)
		if err != nil {
			return 0, err
		}
	}

	for i := range candidates {
		if i < len(result.Durations) {
			candidates[i].EtaSeconds = result.Durations[i]
		}
	}
	if result.BestIndex < 0 {
		return 0, nil
	}
	return result.BestIndex, nil
}

// AckOffer records a driver's response to the offer currently held. accept
// false is an explicit decline. A repeated accept of an already-won offer is
// idempotent.
func (s *Service) AckOffer(ctx context.Context, dispatchID uuid.UUID, driverID string, accept bool) (*Dispatch, error) {
	d, err := s.store.GetByID(ctx, dispatchID)
	if err != nil {
		return nil, common.NewInternalError("failed to load dispatch", err)
	}
	if d == nil {
		return nil, common.NewNotFoundError("dispatch not found", nil)
	}

	if d.Outcome.Terminal() {
		if d.Outcome == OutcomeAssigned && accept && d.AssignedDriverID != nil && *d.AssignedDriverID == driverID {
			return d, nil
		}
		return nil, common.NewGoneError("dispatch already settled")
	}

	candidate := findCandidate(d, driverID)
	if candidate == nil {
		return nil, common.NewNotFoundError("driver is not a candidate for this dispatch", nil)
	}

	switch candidate.Status {
	case CandidateAcked:
		if accept {
			return d, nil
		}
		return nil, common.NewConflictError("offer already accepted")
	case CandidateRejected, CandidateTimedOut, CandidateSkipped:
		return nil, common.NewGoneError("offer window has passed")
	case CandidatePending:
		return nil, common.NewConflictError("offer not yet extended")
	}

	target := CandidateRejected
	if accept {
		target = CandidateAcked
	}
	ok, err := s.store.SetCandidateStatus(ctx, dispatchID, candidate.Idx, CandidateOffered, target)
	if err != nil {
		return nil, common.NewInternalError("failed to record response", err)
	}
	if !ok {
		// lost the race with the timeout sweep or a duplicate request
		fresh, err := s.store.GetByID(ctx, dispatchID)
		if err != nil {
			return nil, common.NewInternalError("failed to load dispatch", err)
		}
		if c := findCandidate(fresh, driverID); c != nil && c.Status == CandidateAcked && accept {
			return fresh, nil
		}
		return nil, common.NewGoneError("offer window has passed")
	}

	// Acceptance events go out from the scheduler once the assignment is
	// durable, not from here.
	return s.GetDispatch(ctx, dispatchID)
}

// CancelDispatch cancels a pending dispatch. Any dispatch already terminal,
// including an earlier cancel, is a conflict.
func (s *Service) CancelDispatch(ctx context.Context, dispatchID uuid.UUID) (*Dispatch, error) {
	ok, err := s.store.Cancel(ctx, dispatchID)
	if err != nil {
		return nil, common.NewInternalError("failed to cancel dispatch", err)
	}
	if ok {
		return s.GetDispatch(ctx, dispatchID)
	}

	d, err := s.store.GetByID(ctx, dispatchID)
	if err != nil {
		return nil, common.NewInternalError("failed to load dispatch", err)
	}
	if d == nil {
		return nil, common.NewNotFoundError("dispatch not found", nil)
	}
	return nil, common.NewConflictError("dispatch already settled")
}

// GetDispatch loads a dispatch with its candidates.
func (s *Service) GetDispatch(ctx context.Context, dispatchID uuid.UUID) (*Dispatch, error) {
	d, err := s.store.GetByID(ctx, dispatchID)
	if err != nil {
		return nil, common.NewInternalError("failed to load dispatch", err)
	}
	if d == nil {
		return nil, common.NewNotFoundError("dispatch not found", nil)
	}
	return d, nil
}

func (s *Service) commitIdempotency(ctx context.Context, key string, id uuid.UUID) {
	if s.idem == nil {
		return
	}
	if err := s.idem.Commit(ctx, key, id); err != nil {
		logger.WarnContext(ctx, "failed to commit idempotency key", zap.Error(err))
	}
}

func (s *Service) emitDispatchFailed(ctx context.Context, d *Dispatch, reason string, tried int) {
	if s.bus == nil || d.RiderAddress == "" {
		return
	}
	data := eventbus.DispatchFailedData{
		DispatchID:      d.ID,
		Reason:          reason,
		CandidatesTried: tried,
		FailedAt:        time.Now().UTC(),
	}
	event, err := eventbus.NewEvent(ctx, eventbus.EventDispatchFailed, eventSource, d.RiderAddress, data)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, eventbus.EventSubject(d.RiderAddress), event); err != nil {
		logger.WarnContext(ctx, "failed to publish dispatch-failed event", zap.Error(err))
	}
}

func findCandidate(d *Dispatch, driverID string) *Candidate {
	if d == nil {
		return nil
	}
	for i := range d.Candidates {
		if d.Candidates[i].DriverID == driverID {
			return &d.Candidates[i]
		}
	}
	return nil
}
