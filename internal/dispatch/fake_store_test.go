package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store with the same guarded-write semantics as
// the SQL repository.
type fakeStore struct {
	mu         sync.Mutex
	dispatches map[uuid.UUID]*Dispatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{dispatches: make(map[uuid.UUID]*Dispatch)}
}

func (f *fakeStore) Create(ctx context.Context, d *Dispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	for i := range d.Candidates {
		d.Candidates[i].DispatchID = d.ID
		d.Candidates[i].Idx = i
	}
	f.dispatches[d.ID] = copyDispatch(d)
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*Dispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dispatches[id]
	if !ok {
		return nil, nil
	}
	return copyDispatch(d), nil
}

func (f *fakeStore) SetCandidateStatus(ctx context.Context, dispatchID uuid.UUID, idx int, from, to CandidateStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dispatches[dispatchID]
	if !ok || idx < 0 || idx >= len(d.Candidates) {
		return false, nil
	}
	c := &d.Candidates[idx]
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	now := time.Now()
	if to == CandidateOffered {
		c.OfferedAt = &now
	} else {
		c.RespondedAt = &now
	}
	return true, nil
}

func (f *fakeStore) AdvanceCursor(ctx context.Context, dispatchID uuid.UUID, fromCursor int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dispatches[dispatchID]
	if !ok || d.Cursor != fromCursor || d.Outcome != OutcomePending {
		return false, nil
	}
	d.Cursor = fromCursor + 1
	return true, nil
}

func (f *fakeStore) CommitAssignment(ctx context.Context, dispatchID uuid.UUID, idx int, driverID string, rideID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dispatches[dispatchID]
	if !ok || d.Outcome != OutcomePending {
		return false, nil
	}
	if idx < 0 || idx >= len(d.Candidates) || d.Candidates[idx].Status != CandidateAcked {
		return false, nil
	}
	d.Outcome = OutcomeAssigned
	d.RideID = &rideID
	d.AssignedDriverID = &driverID
	d.Candidates[idx].Status = CandidateAssigned
	return true, nil
}

func (f *fakeStore) Cancel(ctx context.Context, dispatchID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dispatches[dispatchID]
	if !ok || d.Outcome != OutcomePending {
		return false, nil
	}
	d.Outcome = OutcomeCancelled
	return true, nil
}

func (f *fakeStore) MarkExhausted(ctx context.Context, dispatchID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dispatches[dispatchID]
	if !ok || d.Outcome != OutcomePending {
		return false, nil
	}
	d.Outcome = OutcomeExhausted
	return true, nil
}

func copyDispatch(d *Dispatch) *Dispatch {
	out := *d
	out.Candidates = make([]Candidate, len(d.Candidates))
	copy(out.Candidates, d.Candidates)
	return &out
}
