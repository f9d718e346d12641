package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when a referenced ride or ride-request does not
// exist. Handlers treat it as non-retryable.
var ErrNotFound = errors.New("not found")

// RideStore defines persistence operations for rides. TransitionRide and
// ClaimPendingRide are conditional writes: with no cross-process locks, the
// ride row itself is the arbiter of concurrent status changes and competing
// accepts.
type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	SaveRide(ctx context.Context, r *models.Ride) error
	// TransitionRide flips status from→to in one conditional write and
	// reports whether the row actually changed.
	TransitionRide(ctx context.Context, id string, from, to models.RideStatus, at time.Time) (bool, error)
	// ClaimPendingRide atomically assigns the driver and moves the ride
	// pending→accepted. False means the ride was no longer pending.
	ClaimPendingRide(ctx context.Context, id, driverID string, at time.Time) (bool, error)
	SetPaymentRef(ctx context.Context, id, ref string) error
	UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error
	ActiveRideByDriver(ctx context.Context, driverID string) (*models.Ride, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error)
}

// RideRequestStore defines persistence for per-candidate offers. The
// (rideID, driverID) pair is the natural key; CreateIfAbsent and
// TransitionRequest are the idempotency primitives the handlers rely on.
type RideRequestStore interface {
	CreateIfAbsent(ctx context.Context, rr *models.RideRequest) (bool, error)
	GetRequest(ctx context.Context, rideID, driverID string) (*models.RideRequest, error)
	ListPendingByDriver(ctx context.Context, driverID string) ([]*models.RideRequest, error)
	// TransitionRequest flips status from→to in one conditional write and
	// reports whether the row actually changed.
	TransitionRequest(ctx context.Context, rideID, driverID string, from, to models.RequestStatus, reason string) (bool, error)
}

type MemoryRideStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryRideStore() *MemoryRideStore {
	return &MemoryRideStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryRideStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRideStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryRideStore) TransitionRide(ctx context.Context, id string, from, to models.RideStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.StatusUpdatedAt = at
	return true, nil
}

func (m *MemoryRideStore) ClaimPendingRide(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.RidePending {
		return false, nil
	}
	r.DriverID = driverID
	r.Status = models.RideAccepted
	r.StatusUpdatedAt = at
	return true, nil
}

func (m *MemoryRideStore) SetPaymentRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.PaymentRef = ref
	return nil
}

func (m *MemoryRideStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	l := loc
	r.DriverLocation = &l
	return nil
}

func (m *MemoryRideStore) ActiveRideByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && !r.Status.Terminal() && r.Status != models.RidePending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRideStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.RidePending && r.CreatedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type requestKey struct{ rideID, driverID string }

type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[requestKey]*models.RideRequest
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[requestKey]*models.RideRequest)}
}

func (m *MemoryRequestStore) CreateIfAbsent(ctx context.Context, rr *models.RideRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := requestKey{rr.RideID, rr.DriverID}
	if _, exists := m.requests[k]; exists {
		return false, nil
	}
	cp := *rr
	m.requests[k] = &cp
	return true, nil
}

func (m *MemoryRequestStore) GetRequest(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rr, ok := m.requests[requestKey{rideID, driverID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rr
	return &cp, nil
}

func (m *MemoryRequestStore) ListPendingByDriver(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, rr := range m.requests {
		if rr.DriverID == driverID && rr.Status == models.RequestPending {
			cp := *rr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RideID < out[j].RideID })
	return out, nil
}

func (m *MemoryRequestStore) TransitionRequest(ctx context.Context, rideID, driverID string, from, to models.RequestStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.requests[requestKey{rideID, driverID}]
	if !ok || rr.Status != from {
		return false, nil
	}
	rr.Status = to
	rr.CancelReason = reason
	return true, nil
}
