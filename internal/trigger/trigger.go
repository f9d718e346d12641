package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultMaxCandidates bounds how many drivers one ride is offered to.
const DefaultMaxCandidates = 10

// Trigger turns a ride-created event into a bounded set of per-driver
// offers, and delivers each offer to its driver's connections. Candidate
// selection takes the presence store's ordering as-is; proximity ranking is
// a known extension point.
type Trigger struct {
	Rides         storage.RideStore
	Requests      storage.RideRequestStore
	Presence      presence.Store
	Events        broker.Publisher
	Fanout        *fanout.Dispatcher
	Push          notify.Pusher
	ETA           eta.Client // nil skips offer annotation
	ETACache      *eta.Cache
	MaxCandidates int
	Log           *slog.Logger
}

// HandleRideCreated selects candidates and creates one RideRequest per
// (ride, driver) pair. Re-delivery of the same event is harmless: the pair
// is the dedup key, so existing rows are never duplicated, and offers for
// still-pending rows are re-emitted in case the first publish was lost.
func (t *Trigger) HandleRideCreated(ctx context.Context, ev *events.RideCreated) error {
	ride, err := t.Rides.GetRide(ctx, ev.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		// retrying this event alone will never make the ride appear
		t.Log.Warn("ride-created for unknown ride", "ride_id", ev.RideID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ride %s: %w", ev.RideID, err)
	}
	if ride.Status != models.RidePending {
		// stale or duplicate event; dispatch already ran its course
		return nil
	}

	limit := t.MaxCandidates
	if limit <= 0 {
		limit = DefaultMaxCandidates
	}
	candidates, err := t.Presence.ListAvailable(ctx, limit)
	if err != nil {
		return fmt.Errorf("list candidates for ride %s: %w", ev.RideID, err)
	}
	if len(candidates) == 0 {
		t.Log.Info("no candidates online", "ride_id", ev.RideID)
		return nil
	}

	for _, cand := range candidates {
		rr := &models.RideRequest{
			RideID:      ride.ID,
			DriverID:    cand.DriverID,
			Status:      models.RequestPending,
			Pickup:      ride.Pickup,
			Dropoff:     ride.Dropoff,
			VehicleType: ride.VehicleType,
			CreatedAt:   time.Now().UTC(),
		}
		created, err := t.Requests.CreateIfAbsent(ctx, rr)
		if err != nil {
			return fmt.Errorf("create offer %s/%s: %w", ride.ID, cand.DriverID, err)
		}
		if created {
			observability.RideRequestsCreated.Inc()
		} else {
			existing, err := t.Requests.GetRequest(ctx, ride.ID, cand.DriverID)
			if err != nil {
				return fmt.Errorf("load offer %s/%s: %w", ride.ID, cand.DriverID, err)
			}
			if existing.Status != models.RequestPending {
				continue
			}
			// still-pending row from an earlier delivery whose publish may
			// have been lost; re-emit, consumers dedup on (ride, driver)
		}

		offer := events.RideRequested{
			RideID:      ride.ID,
			DriverID:    cand.DriverID,
			Pickup:      ride.Pickup,
			Dropoff:     ride.Dropoff,
			VehicleType: ride.VehicleType,
		}
		t.annotate(ctx, &offer, cand)
		if err := t.Events.Publish(ctx, events.KindRideRequested, cand.DriverID, offer); err != nil {
			// surface to the consumer loop: rows are deduped, so the
			// redelivered event only re-publishes what was lost
			return fmt.Errorf("publish offer %s/%s: %w", ride.ID, cand.DriverID, err)
		}
	}
	return nil
}

// annotate attaches the routing service's pickup estimate to an offer.
// Best-effort: a routing failure falls back to a straight-line guess, and
// a driver without a known position is sent unannotated.
func (t *Trigger) annotate(ctx context.Context, offer *events.RideRequested, cand models.DriverPresence) {
	if t.ETA == nil || cand.Location == nil {
		return
	}
	from, to := *cand.Location, offer.Pickup
	if t.ETACache != nil {
		if est, ok := t.ETACache.Get(from, to); ok {
			offer.PickupDistanceMeters = est.DistanceMeters
			offer.PickupETASeconds = est.DurationSeconds
			return
		}
	}
	est, err := t.ETA.Route(ctx, from, to)
	if err != nil {
		est = eta.Fallback(from, to, 0)
	} else if t.ETACache != nil {
		t.ETACache.Set(from, to, est)
	}
	offer.PickupDistanceMeters = est.DistanceMeters
	offer.PickupETASeconds = est.DurationSeconds
}

// HandleRideRequested delivers a consumed offer event to the driver's live
// connections and fires a phone push. Both are best-effort: the offer row
// already exists, and a missed push just means the driver sees it on
// reconnect.
func (t *Trigger) HandleRideRequested(ctx context.Context, ev *events.RideRequested) error {
	env, err := models.NewEnvelope("ride-request", ev)
	if err != nil {
		return err
	}
	t.Fanout.SendToUser(ctx, ev.DriverID, env)

	if t.Push == nil {
		return nil
	}
	n := events.PushNotification{
		UserID: ev.DriverID,
		Title:  "New ride request",
		Body:   "A rider nearby is looking for a " + ev.VehicleType + ".",
		Data:   map[string]string{"ride_id": ev.RideID},
	}
	if err := t.Push.Send(ctx, n); err != nil {
		observability.PushesFailed.Inc()
		t.Log.Warn("offer push failed", "driver_id", ev.DriverID, "error", err)
	} else {
		observability.PushesSent.Inc()
	}
	return nil
}
