package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

// session serializes writes to one websocket; gorilla connections do not
// allow concurrent writers.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// WSTransport holds the sockets attached to this gateway process, keyed by
// connection id. A connection registered elsewhere is simply not here, so
// Push reports it stale and lets the dispatcher prune the registry.
type WSTransport struct {
	mu       sync.RWMutex
	sessions map[string]*session
	log      *slog.Logger
}

func NewWSTransport(log *slog.Logger) *WSTransport {
	return &WSTransport{sessions: make(map[string]*session), log: log}
}

// Attach binds a socket to a connection id, closing any socket that was
// already bound to it (connect replaces, not append).
func (t *WSTransport) Attach(connectionID string, conn *websocket.Conn) {
	t.mu.Lock()
	prev := t.sessions[connectionID]
	t.sessions[connectionID] = &session{conn: conn}
	t.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	} else {
		observability.ConnectionsActive.Inc()
	}
}

// Detach drops the socket for a connection id. Safe to call twice.
func (t *WSTransport) Detach(connectionID string) {
	t.mu.Lock()
	s, ok := t.sessions[connectionID]
	delete(t.sessions, connectionID)
	t.mu.Unlock()
	if ok {
		_ = s.conn.Close()
		observability.ConnectionsActive.Dec()
	}
}

func (t *WSTransport) Attached(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[connectionID]
	return ok
}

func (t *WSTransport) Push(ctx context.Context, connectionID string, payload []byte) DeliveryResult {
	t.mu.RLock()
	s, ok := t.sessions[connectionID]
	t.mu.RUnlock()
	if !ok {
		return Stale
	}
	if err := s.write(payload); err != nil {
		t.log.Warn("ws write failed", "connection_id", connectionID, "error", err)
		t.Detach(connectionID)
		return TransportError
	}
	return Delivered
}
