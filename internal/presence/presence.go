package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store persists driver presence. Save keeps the latest row and appends an
// immutable history entry; ListAvailable feeds the dispatch trigger.
type Store interface {
	Save(ctx context.Context, p models.DriverPresence) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord, heading, speed *float64, at time.Time) error
	Get(ctx context.Context, driverID string) (*models.DriverPresence, error)
	// ListAvailable returns up to limit drivers with status online and
	// availability true. No proximity ranking; callers take the store's
	// ordering as-is.
	ListAvailable(ctx context.Context, limit int) ([]models.DriverPresence, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
	history map[string][]models.DriverPresence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers: make(map[string]models.DriverPresence),
		history: make(map[string][]models.DriverPresence),
	}
}

func (m *MemoryStore) Save(ctx context.Context, p models.DriverPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[p.DriverID] = p
	m.history[p.DriverID] = append(m.history[p.DriverID], p)
	return nil
}

func (m *MemoryStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord, heading, speed *float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.DriverID = driverID
	l := loc
	p.Location = &l
	if heading != nil {
		p.Heading = *heading
	}
	if speed != nil {
		p.Speed = *speed
	}
	p.LastUpdate = at
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrDriverNotFound
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStore) ListAvailable(ctx context.Context, limit int) ([]models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, 0)
	for _, p := range m.drivers {
		if p.Status == models.DriverOnline && p.Available {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns the immutable status trail for a driver. Test helper on
// the memory store; the redis store keeps its trail in a list key.
func (m *MemoryStore) History(driverID string) []models.DriverPresence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, len(m.history[driverID]))
	copy(out, m.history[driverID])
	return out
}
