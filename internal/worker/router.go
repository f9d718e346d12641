package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trigger"
)

// Router decodes a consumed broker message and hands it to the matching
// handler. Returning nil acknowledges the message; returning an error lets
// the consumer loop's retry policy deal with it. Anything that retrying
// cannot fix (undecodable, unknown ride, out-of-order status) is logged and
// acknowledged.
type Router struct {
	Trigger   *trigger.Trigger
	Lifecycle *lifecycle.Service
	Monitor   *presence.Monitor
	Push      notify.Pusher
	Log       *slog.Logger
}

func (r *Router) Handle(ctx context.Context, raw []byte) error {
	kind, payload, err := events.Decode(raw)
	if err != nil {
		observability.EventsInvalid.Inc()
		r.Log.Warn("dropping undecodable event", "error", err)
		return nil
	}
	observability.EventsConsumed.WithLabelValues(broker.TopicFor(kind)).Inc()

	switch ev := payload.(type) {
	case *events.RideCreated:
		return r.Trigger.HandleRideCreated(ctx, ev)
	case *events.RideStatusChanged:
		_, err := r.Lifecycle.ApplyStatus(ctx, ev.RideID, ev.Status)
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil // already logged by the state machine
		}
		if errors.Is(err, storage.ErrNotFound) {
			r.Log.Warn("status change for unknown ride", "ride_id", ev.RideID)
			return nil
		}
		return err
	case *events.DriverLocationUpdated:
		return r.Monitor.HandleLocationUpdated(ctx, ev)
	case *events.DriverStatusChanged:
		return r.Monitor.HandleStatusChanged(ctx, ev)
	case *events.RideRequested:
		return r.Trigger.HandleRideRequested(ctx, ev)
	case *events.PushNotification:
		if r.Push == nil {
			return nil
		}
		if err := r.Push.Send(ctx, *ev); err != nil {
			observability.PushesFailed.Inc()
			r.Log.Warn("push relay failed", "user_id", ev.UserID, "error", err)
		} else {
			observability.PushesSent.Inc()
		}
		return nil
	}
	return nil
}
