package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Monitor applies driver presence events. Every status change is persisted;
// an online→offline flip additionally cascade-cancels the driver's
// outstanding pending offers. The parent rides are left alone: a ride with
// no surviving candidate stays pending until the expiry sweep catches it.
type Monitor struct {
	Presence Store
	Requests storage.RideRequestStore
	Rides    storage.RideStore
	Fanout   *fanout.Dispatcher
	Log      *slog.Logger
}

func (m *Monitor) HandleStatusChanged(ctx context.Context, ev *events.DriverStatusChanged) error {
	p := models.DriverPresence{
		DriverID:   ev.DriverID,
		Status:     ev.Status,
		Available:  ev.Status == models.DriverOnline,
		LastUpdate: ev.Timestamp,
	}
	if prev, err := m.Presence.Get(ctx, ev.DriverID); err == nil {
		if prev.Status == ev.Status && prev.LastUpdate.Equal(ev.Timestamp) {
			// duplicate delivery; nothing to persist, nothing to cascade
			return nil
		}
		p.Location = prev.Location
		p.Heading = prev.Heading
		p.Speed = prev.Speed
	}
	if err := m.Presence.Save(ctx, p); err != nil {
		return fmt.Errorf("save presence for %s: %w", ev.DriverID, err)
	}

	if ev.PreviousStatus == models.DriverOnline && ev.Status == models.DriverOffline {
		return m.cascadeCancel(ctx, ev.DriverID)
	}
	return nil
}

func (m *Monitor) cascadeCancel(ctx context.Context, driverID string) error {
	pending, err := m.Requests.ListPendingByDriver(ctx, driverID)
	if err != nil {
		return fmt.Errorf("list pending offers for %s: %w", driverID, err)
	}
	for _, rr := range pending {
		changed, err := m.Requests.TransitionRequest(ctx, rr.RideID, driverID,
			models.RequestPending, models.RequestCancelled, models.CancelReasonDriverOffline)
		if err != nil {
			return fmt.Errorf("cancel offer %s/%s: %w", rr.RideID, driverID, err)
		}
		if !changed {
			// lost the race to an accept or a duplicate cascade; leave it
			continue
		}
		observability.CascadeCancelled.Inc()
		m.Log.Info("offer cancelled, driver went offline",
			"ride_id", rr.RideID, "driver_id", driverID)
	}
	return nil
}

// HandleLocationUpdated refreshes the driver's stored position and, when
// the driver is on an active ride, mirrors the position onto the ride and
// streams it to the rider.
func (m *Monitor) HandleLocationUpdated(ctx context.Context, ev *events.DriverLocationUpdated) error {
	if err := m.Presence.UpdateLocation(ctx, ev.DriverID, ev.Location, ev.Heading, ev.Speed, ev.Timestamp); err != nil {
		return fmt.Errorf("update location for %s: %w", ev.DriverID, err)
	}

	ride, err := m.Rides.ActiveRideByDriver(ctx, ev.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("active ride lookup for %s: %w", ev.DriverID, err)
	}
	if err := m.Rides.UpdateDriverLocation(ctx, ride.ID, ev.Location); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("store driver location on ride %s: %w", ride.ID, err)
	}
	env, err := models.NewEnvelope("driver-location", map[string]any{
		"ride_id":   ride.ID,
		"driver_id": ev.DriverID,
		"location":  ev.Location,
	})
	if err != nil {
		return err
	}
	m.Fanout.SendToUser(ctx, ride.ClientID, env)
	return nil
}
