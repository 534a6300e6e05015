package rides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/eventbus"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, ride *Ride) error {
	args := m.Called(ctx, ride)
	return args.Error(0)
}

func (m *mockStore) GetByID(ctx context.Context, id uuid.UUID, includeOtp bool) (*Ride, error) {
	args := m.Called(ctx, id, includeOtp)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Ride), args.Error(1)
}

func (m *mockStore) Transition(ctx context.Context, id uuid.UUID, from, to RideStatus) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	args := m.Called(ctx, subject, event)
	return args.Error(0)
}

func testRide(status RideStatus) *Ride {
	now := time.Now().UTC()
	return &Ride{
		ID:            uuid.New(),
		RiderID:       "rider-1",
		DriverID:      "driver-1",
		PickupAddress: "10 Main St",
		FareAmount:    4200,
		Currency:      "USD",
		Status:        status,
		RiderAddress:  "rider-1-push",
		DriverAddress: "driver-1-push",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestService_Start_VerifiesOtp(t *testing.T) {
	store := new(mockStore)
	bus := new(mockPublisher)
	svc := NewService(store, bus)

	ride := testRide(RideStatusAccepted)
	ride.Otp = "123456"
	startedAt := time.Now().UTC()
	started := testRide(RideStatusOngoing)
	started.ID = ride.ID
	started.StartedAt = &startedAt

	store.On("GetByID", mock.Anything, ride.ID, true).Return(ride, nil).Once()
	store.On("Transition", mock.Anything, ride.ID, RideStatusAccepted, RideStatusOngoing).Return(true, nil).Once()
	store.On("GetByID", mock.Anything, ride.ID, false).Return(started, nil).Once()
	bus.On("Publish", mock.Anything, eventbus.EventSubject("rider-1-push"), mock.MatchedBy(func(e *eventbus.Event) bool {
		return e.Type == eventbus.EventRideStarted
	})).Return(nil).Once()

	got, err := svc.Start(context.Background(), ride.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, RideStatusOngoing, got.Status)
	store.AssertExpectations(t)
	bus.AssertExpectations(t)
}

func TestService_Start_WrongOtp(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	ride := testRide(RideStatusAccepted)
	ride.Otp = "123456"
	store.On("GetByID", mock.Anything, ride.ID, true).Return(ride, nil).Once()

	_, err := svc.Start(context.Background(), ride.ID, "654321")
	require.Error(t, err)
	assert.Equal(t, 400, common.AsAppError(err).Code)
	store.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Start_NotFound(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	id := uuid.New()
	store.On("GetByID", mock.Anything, id, true).Return(nil, nil).Once()

	_, err := svc.Start(context.Background(), id, "123456")
	require.Error(t, err)
	assert.Equal(t, 404, common.AsAppError(err).Code)
}

func TestService_Start_AlreadyOngoing(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	ride := testRide(RideStatusOngoing)
	ride.Otp = "123456"
	store.On("GetByID", mock.Anything, ride.ID, true).Return(ride, nil).Once()
	store.On("Transition", mock.Anything, ride.ID, RideStatusAccepted, RideStatusOngoing).Return(false, nil).Once()

	_, err := svc.Start(context.Background(), ride.ID, "123456")
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func TestService_Complete_EmitsToBothParties(t *testing.T) {
	store := new(mockStore)
	bus := new(mockPublisher)
	svc := NewService(store, bus)

	completedAt := time.Now().UTC()
	done := testRide(RideStatusCompleted)
	done.CompletedAt = &completedAt

	store.On("Transition", mock.Anything, done.ID, RideStatusOngoing, RideStatusCompleted).Return(true, nil).Once()
	store.On("GetByID", mock.Anything, done.ID, false).Return(done, nil).Once()
	bus.On("Publish", mock.Anything, eventbus.EventSubject("rider-1-push"), mock.Anything).Return(nil).Once()
	bus.On("Publish", mock.Anything, eventbus.EventSubject("driver-1-push"), mock.Anything).Return(nil).Once()

	got, err := svc.Complete(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, RideStatusCompleted, got.Status)
	bus.AssertExpectations(t)
}

func TestService_Complete_PublishFailureIsNotFatal(t *testing.T) {
	store := new(mockStore)
	bus := new(mockPublisher)
	svc := NewService(store, bus)

	done := testRide(RideStatusCompleted)
	store.On("Transition", mock.Anything, done.ID, RideStatusOngoing, RideStatusCompleted).Return(true, nil).Once()
	store.On("GetByID", mock.Anything, done.ID, false).Return(done, nil).Once()
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nats down")).Twice()

	_, err := svc.Complete(context.Background(), done.ID)
	require.NoError(t, err)
}

func TestService_Complete_NotOngoing(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	ride := testRide(RideStatusAccepted)
	store.On("Transition", mock.Anything, ride.ID, RideStatusOngoing, RideStatusCompleted).Return(false, nil).Once()
	store.On("GetByID", mock.Anything, ride.ID, false).Return(ride, nil).Once()

	_, err := svc.Complete(context.Background(), ride.ID)
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func TestService_Cancel_FromAccepted(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	cancelled := testRide(RideStatusCancelled)
	store.On("Transition", mock.Anything, cancelled.ID, RideStatusAccepted, RideStatusCancelled).Return(true, nil).Once()
	store.On("GetByID", mock.Anything, cancelled.ID, false).Return(cancelled, nil).Once()

	got, err := svc.Cancel(context.Background(), cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, RideStatusCancelled, got.Status)
}

func TestService_Cancel_Idempotent(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	cancelled := testRide(RideStatusCancelled)
	store.On("Transition", mock.Anything, cancelled.ID, RideStatusAccepted, RideStatusCancelled).Return(false, nil).Once()
	store.On("Transition", mock.Anything, cancelled.ID, RideStatusOngoing, RideStatusCancelled).Return(false, nil).Once()
	store.On("GetByID", mock.Anything, cancelled.ID, false).Return(cancelled, nil).Once()

	got, err := svc.Cancel(context.Background(), cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, RideStatusCancelled, got.Status)
}

func TestService_Cancel_Completed(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	done := testRide(RideStatusCompleted)
	store.On("Transition", mock.Anything, done.ID, RideStatusAccepted, RideStatusCancelled).Return(false, nil).Once()
	store.On("Transition", mock.Anything, done.ID, RideStatusOngoing, RideStatusCancelled).Return(false, nil).Once()
	store.On("GetByID", mock.Anything, done.ID, false).Return(done, nil).Once()

	_, err := svc.Cancel(context.Background(), done.ID)
	require.Error(t, err)
	assert.Equal(t, 409, common.AsAppError(err).Code)
}

func TestService_Get_NeverIncludesOtp(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil)

	ride := testRide(RideStatusAccepted)
	store.On("GetByID", mock.Anything, ride.ID, false).Return(ride, nil).Once()

	got, err := svc.Get(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Otp)
	store.AssertExpectations(t)
}

func TestMintOTP(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		otp, err := MintOTP()
		require.NoError(t, err)
		require.Len(t, otp, 6)
		for _, r := range otp {
			assert.True(t, r >= '0' && r <= '9')
		}
		seen[otp] = true
	}
	// 50 draws from a million values collide essentially never
	assert.Greater(t, len(seen), 45)
}
