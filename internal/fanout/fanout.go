package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// DeliveryResult classifies one delivery attempt to one connection.
type DeliveryResult int

const (
	Delivered DeliveryResult = iota
	// Stale means the remote end is gone for good; the registry entry is
	// pruned and the caller does not see a failure.
	Stale
	// TransportError is a transient send failure. It is logged and left to
	// the transport's own retry policy, never retried here.
	TransportError
)

func (r DeliveryResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Stale:
		return "stale"
	default:
		return "transport_error"
	}
}

// Transport pushes one payload to one connection.
type Transport interface {
	Push(ctx context.Context, connectionID string, payload []byte) DeliveryResult
}

// Dispatcher resolves a user's connections and delivers a message to each,
// pruning registry entries the transport reports as gone.
type Dispatcher struct {
	reg       registry.Registry
	transport Transport
	log       *slog.Logger
}

func NewDispatcher(reg registry.Registry, transport Transport, log *slog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, transport: transport, log: log}
}

// SendToConnection attempts delivery to a single connection. A stale result
// unregisters the connection.
func (d *Dispatcher) SendToConnection(ctx context.Context, connectionID string, msg models.Envelope) DeliveryResult {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error("fanout marshal failed", "action", msg.Action, "error", err)
		return TransportError
	}
	return d.push(ctx, connectionID, payload)
}

// SendToUser fans a message out to every live connection of one user,
// concurrently and independently. One failing connection never blocks or
// fails its siblings; the call returns once every attempt has settled.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, msg models.Envelope) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error("fanout marshal failed", "action", msg.Action, "error", err)
		return
	}
	d.sendPayload(ctx, userID, payload)
}

// SendToUsers fans out across a set of users with no ordering guarantee
// between users or between a user's own connections.
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []string, msg models.Envelope) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error("fanout marshal failed", "action", msg.Action, "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			d.sendPayload(ctx, uid, payload)
		}(userID)
	}
	wg.Wait()
}

func (d *Dispatcher) sendPayload(ctx context.Context, userID string, payload []byte) {
	conns, err := d.reg.ListByUser(ctx, userID)
	if err != nil {
		d.log.Error("fanout registry lookup failed", "user_id", userID, "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(connectionID string) {
			defer wg.Done()
			d.push(ctx, connectionID, payload)
		}(conn.ID)
	}
	wg.Wait()
}

func (d *Dispatcher) push(ctx context.Context, connectionID string, payload []byte) DeliveryResult {
	res := d.transport.Push(ctx, connectionID, payload)
	observability.FanoutDeliveries.WithLabelValues(res.String()).Inc()
	switch res {
	case Stale:
		if err := d.reg.Unregister(ctx, connectionID); err != nil {
			d.log.Error("prune stale connection failed", "connection_id", connectionID, "error", err)
		}
	case TransportError:
		d.log.Warn("fanout transport error", "connection_id", connectionID)
	}
	return res
}
