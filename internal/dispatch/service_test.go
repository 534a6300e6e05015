package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ridewire/dispatch/internal/eta"
	"github.com/ridewire/dispatch/internal/geoindex"
	"github.com/ridewire/dispatch/internal/pricing"
	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/eventbus"
	redisClient "github.com/ridewire/dispatch/pkg/redis"
	"github.com/ridewire/dispatch/pkg/resilience"
)

type mockGeo struct {
	mock.Mock
}

func (m *mockGeo) Nearby(ctx context.Context, latitude, longitude, radiusMeters float64, vehicleType string, limit int) ([]*geoindex.DriverSnapshot, error) {
	args := m.Called(ctx, latitude, longitude, radiusMeters, vehicleType, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*geoindex.DriverSnapshot), args.Error(1)
}

func (m *mockGeo) IncrementDemand(ctx context.Context, latitude, longitude float64) {
	m.Called(ctx, latitude, longitude)
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) MultiETA(ctx context.Context, origins []eta.Point, destination eta.Point, boundSeconds *float64) (*eta.Result, error) {
	args := m.Called(ctx, origins, destination, boundSeconds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*eta.Result), args.Error(1)
}

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Resolve(ctx context.Context, address string) (*geoindex.Location, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geoindex.Location), args.Error(1)
}

type stubQuoter struct{}

func (stubQuoter) Quote(ctx context.Context, pickupLat, pickupLon, dropoffLat, dropoffLon float64) pricing.Quote {
	return pricing.Quote{Amount: 4200, Currency: "USD", DistanceKm: 4.2, SurgeFactor: 1.0}
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, dispatchID uuid.UUID) error {
	args := m.Called(ctx, dispatchID)
	return args.Error(0)
}

type serviceFixture struct {
	store    *fakeStore
	geo      *mockGeo
	oracle   *mockOracle
	geocoder *mockGeocoder
	bus      *recordingBus
	queue    *mockQueue
	svc      *Service
}

func newServiceFixture(idem *IdempotencyCache) *serviceFixture {
	f := &serviceFixture{
		store:    newFakeStore(),
		geo:      new(mockGeo),
		oracle:   new(mockOracle),
		geocoder: new(mockGeocoder),
		bus:      &recordingBus{},
		queue:    new(mockQueue),
	}
	f.svc = NewService(Collaborators{
		Store:       f.store,
		Geo:         f.geo,
		Oracle:      f.oracle,
		Geocoder:    f.geocoder,
		Fares:       stubQuoter{},
		Bus:         f.bus,
		Queue:       f.queue,
		Idempotency: idem,
	}, ServiceConfig{AckSecondsDefault: 30, RadiusKmDefault: 5, LimitDefault: 10})
	f.svc.nearbyRetry = resilience.RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	return f
}

func validStartRequest() *StartDispatchRequest {
	return &StartDispatchRequest{
		RiderID:      "rider-1",
		Pickup:       "10 Main St",
		Dropoff:      "20 Oak Ave",
		VehicleType:  "car",
		RiderAddress: "rider-1-push",
	}
}

func locationAt(address string, lat, lon float64) *geoindex.Location {
	return &geoindex.Location{Address: address, Latitude: lat, Longitude: lon}
}

func snapshot(id string, lat, lon float64) *geoindex.DriverSnapshot {
	return &geoindex.DriverSnapshot{
		DriverID:     id,
		Latitude:     lat,
		Longitude:    lon,
		VehicleType:  "car",
		Availability: "active",
		PushAddress:  id + "-push",
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestStartDispatch_RanksByETAAndSkipsAhead(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, "10 Main St").Return(locationAt("10 Main St", 37.96, 58.32), nil)
	f.geocoder.On("Resolve", mock.Anything, "20 Oak Ave").Return(locationAt("20 Oak Ave", 37.99, 58.36), nil)
	f.geo.On("Nearby", mock.Anything, 37.96, 58.32, 5000.0, "car", 10).
		Return([]*geoindex.DriverSnapshot{
			snapshot("driver-1", 37.95, 58.31),
			snapshot("driver-2", 37.97, 58.33),
		}, nil)
	f.geo.On("IncrementDemand", mock.Anything, 37.96, 58.32).Return()
	// second driver has the lower calibrated ETA
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, eta.Point{Latitude: 37.96, Longitude: 58.32}, (*float64)(nil)).
		Return(&eta.Result{Durations: []*float64{floatPtr(300), floatPtr(120)}, BestIndex: 1}, nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	d, created, err := f.svc.StartDispatch(context.Background(), validStartRequest())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, OutcomePending, d.Outcome)
	assert.Equal(t, 1, d.Cursor)
	assert.Equal(t, CandidateSkipped, d.Candidates[0].Status)
	assert.Equal(t, CandidatePending, d.Candidates[1].Status)
	assert.Equal(t, 300.0, *d.Candidates[0].EtaSeconds)
	assert.Equal(t, int64(4200), d.FareAmount)
	assert.Equal(t, 30, d.AckSeconds)

	stored, err := f.store.GetByID(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	f.queue.AssertCalled(t, "Enqueue", mock.Anything, d.ID)
	f.geo.AssertCalled(t, "IncrementDemand", mock.Anything, 37.96, 58.32)
}

func TestStartDispatch_NoDriversIsExhausted(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, mock.Anything).Return(locationAt("x", 37.96, 58.32), nil)
	f.geo.On("Nearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*geoindex.DriverSnapshot{}, nil)
	f.geo.On("IncrementDemand", mock.Anything, mock.Anything, mock.Anything).Return()

	d, _, err := f.svc.StartDispatch(context.Background(), validStartRequest())
	require.Error(t, err)
	assert.Equal(t, 404, common.AsAppError(err).Code)

	// the failed attempt is still recorded
	stored, getErr := f.store.GetByID(context.Background(), d.ID)
	require.NoError(t, getErr)
	require.NotNil(t, stored)
	assert.Equal(t, OutcomeExhausted, stored.Outcome)
	assert.NotNil(t, f.bus.find(eventbus.EventDispatchFailed))
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestStartDispatch_GeocodeFailurePropagates(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, "10 Main St").
		Return(nil, common.NewBadRequestError("pickup must be an address or \"lat,lon\"", nil))

	_, _, err := f.svc.StartDispatch(context.Background(), validStartRequest())
	require.Error(t, err)
	assert.Equal(t, 400, common.AsAppError(err).Code)
	assert.Empty(t, f.store.dispatches)
}

func TestStartDispatch_GeoIndexDownAfterRetries(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, mock.Anything).Return(locationAt("x", 37.96, 58.32), nil)
	f.geo.On("Nearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, common.NewUnavailableError("driver index unavailable", nil))

	_, _, err := f.svc.StartDispatch(context.Background(), validStartRequest())
	require.Error(t, err)
	assert.Equal(t, 502, common.AsAppError(err).Code)
	f.geo.AssertNumberOfCalls(t, "Nearby", 4)
}

func TestStartDispatch_ETAFailureSurfacesUnavailable(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, mock.Anything).Return(locationAt("x", 37.96, 58.32), nil)
	f.geo.On("Nearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*geoindex.DriverSnapshot{snapshot("driver-1", 37.95, 58.31), snapshot("driver-2", 37.97, 58.33)}, nil)
	f.geo.On("IncrementDemand", mock.Anything, mock.Anything, mock.Anything).Return()
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, common.NewUnavailableError("routing provider unavailable", nil))

	_, _, err := f.svc.StartDispatch(context.Background(), validStartRequest())
	require.Error(t, err)
	assert.Equal(t, 502, common.AsAppError(err).Code)
	assert.Empty(t, f.store.dispatches)
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestStartDispatch_UnboundedRetryFailureSurfacesUnavailable(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, mock.Anything).Return(locationAt("x", 37.96, 58.32), nil)
	f.geo.On("Nearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*geoindex.DriverSnapshot{snapshot("driver-1", 37.95, 58.31)}, nil)
	f.geo.On("IncrementDemand", mock.Anything, mock.Anything, mock.Anything).Return()

	bound := 60.0
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, mock.Anything, &bound).
		Return(&eta.Result{Durations: []*float64{nil}, BestIndex: -1}, nil).Once()
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, mock.Anything, (*float64)(nil)).
		Return(nil, common.NewUnavailableError("routing provider unavailable", nil)).Once()

	req := validStartRequest()
	req.BoundSeconds = &bound
	_, _, err := f.svc.StartDispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 502, common.AsAppError(err).Code)
	f.oracle.AssertExpectations(t)
}

func TestStartDispatch_BoundFallsBackToUnbounded(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, mock.Anything).Return(locationAt("x", 37.96, 58.32), nil)
	f.geo.On("Nearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*geoindex.DriverSnapshot{snapshot("driver-1", 37.95, 58.31)}, nil)
	f.geo.On("IncrementDemand", mock.Anything, mock.Anything, mock.Anything).Return()

	bound := 60.0
	// every candidate exceeds the bound; the unbounded retry restores them
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, mock.Anything, &bound).
		Return(&eta.Result{Durations: []*float64{nil}, BestIndex: -1}, nil).Once()
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, mock.Anything, (*float64)(nil)).
		Return(&eta.Result{Durations: []*float64{floatPtr(240)}, BestIndex: 0}, nil).Once()
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	req := validStartRequest()
	req.BoundSeconds = &bound
	d, _, err := f.svc.StartDispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Cursor)
	assert.Equal(t, 240.0, *d.Candidates[0].EtaSeconds)
	f.oracle.AssertExpectations(t)
}

func TestStartDispatch_IdempotentDuplicateReturnsOriginal(t *testing.T) {
	db, redisMock := redismock.NewClientMock()
	cache := NewIdempotencyCache(redisClient.NewFromClient(db))
	f := newServiceFixture(cache)

	existing := seedDispatch(t, f.store, 30, "driver-1")

	redisMock.ExpectSetNX("dispatch:idem:client-key", idempotencyPending, time.Hour).SetVal(false)
	redisMock.ExpectGet("dispatch:idem:client-key").SetVal(existing.ID.String())

	req := validStartRequest()
	req.IdempotencyKey = "client-key"
	d, created, err := f.svc.StartDispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.ID, d.ID)
	f.geocoder.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestStartDispatch_DuplicateInFlightConflicts(t *testing.T) {
	db, redisMock := redismock.NewClientMock()
	cache := NewIdempotencyCache(redisClient.NewFromClient(db))
	f := newServiceFixture(cache)

	redisMock.ExpectSetNX("dispatch:idem:client-key", idempotencyPending, time.Hour).SetVal(false)
	redisMock.ExpectGet("dispatch:idem:client-key").SetVal(idempotencyPending)

	req := validStartRequest()
	req.IdempotencyKey = "client-key"
	_, _, err := f.svc.StartDispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func seedOffered(t *testing.T, store *fakeStore, driverIDs ...string) *Dispatch {
	t.Helper()
	d := seedDispatch(t, store, 30, driverIDs...)
	_, err := store.SetCandidateStatus(context.Background(), d.ID, 0, CandidatePending, CandidateOffered)
	require.NoError(t, err)
	return d
}

func TestAckOffer_Accept(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1")

	got, err := f.svc.AckOffer(context.Background(), d.ID, "driver-1", true)
	require.NoError(t, err)
	assert.Equal(t, CandidateAcked, got.Candidates[0].Status)

	// acceptance events are the scheduler's job, after the commit
	assert.Nil(t, f.bus.find(eventbus.EventRideOfferAccepted))
}

func TestAckOffer_Decline(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1")

	got, err := f.svc.AckOffer(context.Background(), d.ID, "driver-1", false)
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, got.Candidates[0].Status)
	assert.Nil(t, f.bus.find(eventbus.EventRideOfferAccepted))
}

func TestAckOffer_DuplicateAcceptIsIdempotent(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1")

	_, err := f.svc.AckOffer(context.Background(), d.ID, "driver-1", true)
	require.NoError(t, err)

	got, err := f.svc.AckOffer(context.Background(), d.ID, "driver-1", true)
	require.NoError(t, err)
	assert.Equal(t, CandidateAcked, got.Candidates[0].Status)
}

func TestAckOffer_LateAckIsGone(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1")
	_, err := f.store.SetCandidateStatus(context.Background(), d.ID, 0, CandidateOffered, CandidateTimedOut)
	require.NoError(t, err)

	_, err = f.svc.AckOffer(context.Background(), d.ID, "driver-1", true)
	require.Error(t, err)
	assert.Equal(t, 410, common.AsAppError(err).Code)
}

func TestAckOffer_AfterAssignment(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1", "driver-2")
	_, err := f.store.SetCandidateStatus(context.Background(), d.ID, 0, CandidateOffered, CandidateAcked)
	require.NoError(t, err)
	committed, err := f.store.CommitAssignment(context.Background(), d.ID, 0, "driver-1", uuid.New())
	require.NoError(t, err)
	require.True(t, committed)

	// the winner repeating its accept gets a friendly 200
	got, err := f.svc.AckOffer(context.Background(), d.ID, "driver-1", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, got.Outcome)

	// anyone else is told the dispatch moved on
	_, err = f.svc.AckOffer(context.Background(), d.ID, "driver-2", true)
	require.Error(t, err)
	assert.Equal(t, 410, common.AsAppError(err).Code)
}

func TestAckOffer_UnknownDispatchAndDriver(t *testing.T) {
	f := newServiceFixture(nil)

	_, err := f.svc.AckOffer(context.Background(), uuid.New(), "driver-1", true)
	assert.Equal(t, 404, common.AsAppError(err).Code)

	d := seedOffered(t, f.store, "driver-1")
	_, err = f.svc.AckOffer(context.Background(), d.ID, "driver-99", true)
	assert.Equal(t, 404, common.AsAppError(err).Code)
}

func TestAckOffer_BeforeOfferExtended(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedDispatch(t, f.store, 30, "driver-1")

	_, err := f.svc.AckOffer(context.Background(), d.ID, "driver-1", true)
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func TestCancelDispatch(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedDispatch(t, f.store, 30, "driver-1")

	got, err := f.svc.CancelDispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, got.Outcome)

	// the dispatch is already terminal; a repeat cancel is a conflict
	_, err = f.svc.CancelDispatch(context.Background(), d.ID)
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func TestCancelDispatch_AfterAssignmentConflicts(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1")
	_, err := f.store.SetCandidateStatus(context.Background(), d.ID, 0, CandidateOffered, CandidateAcked)
	require.NoError(t, err)
	committed, err := f.store.CommitAssignment(context.Background(), d.ID, 0, "driver-1", uuid.New())
	require.NoError(t, err)
	require.True(t, committed)

	_, err = f.svc.CancelDispatch(context.Background(), d.ID)
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func TestCommitAssignment_RequiresAckedCandidate(t *testing.T) {
	f := newServiceFixture(nil)
	d := seedOffered(t, f.store, "driver-1")

	// the offer is out but not yet acked; the commit must refuse
	committed, err := f.store.CommitAssignment(context.Background(), d.ID, 0, "driver-1", uuid.New())
	require.NoError(t, err)
	assert.False(t, committed)

	stored, err := f.store.GetByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, stored.Outcome)
	assert.Nil(t, stored.RideID)
	assert.Equal(t, CandidateOffered, stored.Candidates[0].Status)
}

func TestStartDispatch_EnqueueFailureSettlesDispatch(t *testing.T) {
	f := newServiceFixture(nil)

	f.geocoder.On("Resolve", mock.Anything, mock.Anything).Return(locationAt("x", 37.96, 58.32), nil)
	f.geo.On("Nearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*geoindex.DriverSnapshot{snapshot("driver-1", 37.95, 58.31)}, nil)
	f.geo.On("IncrementDemand", mock.Anything, mock.Anything, mock.Anything).Return()
	f.oracle.On("MultiETA", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&eta.Result{Durations: []*float64{floatPtr(180)}, BestIndex: 0}, nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(common.NewUnavailableError("stream unavailable", nil))

	_, _, err := f.svc.StartDispatch(context.Background(), validStartRequest())
	require.Error(t, err)
	assert.Equal(t, 502, common.AsAppError(err).Code)

	// no worker will ever drive this dispatch, so it must not stay pending
	require.Len(t, f.store.dispatches, 1)
	for _, stored := range f.store.dispatches {
		assert.Equal(t, OutcomeCancelled, stored.Outcome)
	}
}

func TestGetDispatch_NotFound(t *testing.T) {
	f := newServiceFixture(nil)

	_, err := f.svc.GetDispatch(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, 404, common.AsAppError(err).Code)
}
