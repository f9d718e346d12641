package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrConnectionNotFound is returned by Get and Touch for absent or expired
// connections. Unregister never returns it.
var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionTTL is the fixed retention window for registry entries.
// Entries past it are treated as absent even before the sweeper runs.
const ConnectionTTL = 24 * time.Hour

// Registry is the durable connection-id → identity mapping the fanout
// dispatcher resolves against.
type Registry interface {
	// Register stores a connection. A duplicate connection id replaces the
	// prior record; connect replaces, not append.
	Register(ctx context.Context, conn models.Connection) error
	// Unregister removes a connection. Removing an absent id is a no-op.
	Unregister(ctx context.Context, connectionID string) error
	Get(ctx context.Context, connectionID string) (*models.Connection, error)
	// ListByUser returns the user's live connections, skipping expired ones.
	ListByUser(ctx context.Context, userID string) ([]models.Connection, error)
	// Touch bumps last_active_at for an existing connection.
	Touch(ctx context.Context, connectionID string) error
}

// MemoryRegistry keeps connections in a map. Used by tests and local runs
// where a single gateway process owns all sockets anyway.
type MemoryRegistry struct {
	mu     sync.RWMutex
	conns  map[string]models.Connection
	byUser map[string]map[string]struct{}
	now    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns:  make(map[string]models.Connection),
		byUser: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, conn models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.conns[conn.ID]; ok {
		m.dropUserIndex(prev.UserID, conn.ID)
	}
	m.conns[conn.ID] = conn
	set, ok := m.byUser[conn.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[conn.UserID] = set
	}
	set[conn.ID] = struct{}{}
	return nil
}

func (m *MemoryRegistry) Unregister(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil
	}
	delete(m.conns, connectionID)
	m.dropUserIndex(conn.UserID, connectionID)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connectionID]
	if !ok || conn.Expired(m.now()) {
		return nil, ErrConnectionNotFound
	}
	cp := conn
	return &cp, nil
}

func (m *MemoryRegistry) ListByUser(ctx context.Context, userID string) ([]models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]models.Connection, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		conn, ok := m.conns[id]
		if !ok || conn.Expired(now) {
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

func (m *MemoryRegistry) Touch(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.LastActiveAt = m.now()
	m.conns[connectionID] = conn
	return nil
}

func (m *MemoryRegistry) dropUserIndex(userID, connectionID string) {
	if set, ok := m.byUser[userID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
}
