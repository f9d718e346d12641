package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrInvalidTransition rejects a status change that is not a legal
	// successor of the ride's current state. The ride is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRideTaken means another driver's accept already won the ride.
	ErrRideTaken = errors.New("ride already taken")
	// ErrRequestClosed means the offer is no longer pending.
	ErrRequestClosed = errors.New("ride request no longer pending")
)

// transitions lists the legal forward/side moves. Terminal states have no
// entries; they are handled before the table is consulted.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.RidePending:    {models.RideAccepted, models.RideCancelled, models.RideExpired},
	models.RideAccepted:   {models.RideArrived, models.RideCancelled},
	models.RideArrived:    {models.RideInProgress, models.RideCancelled},
	models.RideInProgress: {models.RideCompleted, models.RideCancelled},
}

func canTransition(from, to models.RideStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service owns the canonical ride status. All mutation goes through
// ApplyStatus / AcceptRequest so that at-least-once event delivery
// converges: terminal rides and repeated statuses are no-ops, out-of-order
// statuses are rejected without touching the record.
type Service struct {
	Rides    storage.RideStore
	Requests storage.RideRequestStore
	Fanout   *fanout.Dispatcher
	Events   broker.Publisher
	Payments payments.Authorizer // nil disables fare holds
	Log      *slog.Logger

	HoldAmount int64 // minor units held on accept
	Currency   string
}

// ApplyStatus advances a ride to newStatus. Duplicate deliveries and
// already-terminal rides return the stored record unchanged with a nil
// error; an out-of-order status returns the record with
// ErrInvalidTransition.
func (s *Service) ApplyStatus(ctx context.Context, rideID string, newStatus models.RideStatus) (*models.Ride, error) {
	for {
		ride, err := s.Rides.GetRide(ctx, rideID)
		if err != nil {
			return nil, fmt.Errorf("load ride %s: %w", rideID, err)
		}
		if ride.Status.Terminal() || ride.Status == newStatus {
			return ride, nil
		}
		if !canTransition(ride.Status, newStatus) {
			observability.InvalidTransitions.Inc()
			s.Log.Warn("status change rejected",
				"ride_id", rideID, "from", ride.Status, "to", newStatus)
			return ride, ErrInvalidTransition
		}

		now := time.Now().UTC()
		moved, err := s.Rides.TransitionRide(ctx, rideID, ride.Status, newStatus, now)
		if err != nil {
			return nil, fmt.Errorf("persist status %s for ride %s: %w", newStatus, rideID, err)
		}
		if !moved {
			// a concurrent writer moved the ride first; re-read and
			// re-evaluate against the new status
			continue
		}
		ride.Status = newStatus
		ride.StatusUpdatedAt = now
		observability.StatusTransitions.WithLabelValues(string(newStatus)).Inc()

		s.settleFare(ctx, ride)
		s.notify(ctx, ride)
		s.broadcast(ctx, ride)
		return ride, nil
	}
}

// AcceptRequest arbitrates competing accepts on the ride row itself: a
// single conditional pending→accepted claim decides the winner, so two
// drivers racing through the read phase can never both succeed. The loser
// sees ErrRideTaken and their offer is expired; sibling offers of the
// winner are left pending for the expiry sweep.
func (s *Service) AcceptRequest(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	rr, err := s.Requests.GetRequest(ctx, rideID, driverID)
	if err != nil {
		return nil, fmt.Errorf("load offer %s/%s: %w", rideID, driverID, err)
	}
	switch rr.Status {
	case models.RequestPending:
		// the live case, arbitrated below
	case models.RequestAccepted:
		// re-delivery of an accept that already went through
		ride, err := s.Rides.GetRide(ctx, rideID)
		if err != nil {
			return nil, fmt.Errorf("load ride %s: %w", rideID, err)
		}
		return ride, nil
	default:
		ride, err := s.Rides.GetRide(ctx, rideID)
		if err != nil {
			return nil, fmt.Errorf("load ride %s: %w", rideID, err)
		}
		return ride, ErrRequestClosed
	}

	now := time.Now().UTC()
	claimed, err := s.Rides.ClaimPendingRide(ctx, rideID, driverID, now)
	if err != nil {
		return nil, fmt.Errorf("claim ride %s for driver %s: %w", rideID, driverID, err)
	}
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}

	if !claimed {
		if ride.DriverID == driverID && !ride.Status.Terminal() {
			// duplicate accept from the winner
			return ride, nil
		}
		if _, err := s.Requests.TransitionRequest(ctx, rideID, driverID,
			models.RequestPending, models.RequestExpired, ""); err != nil {
			s.Log.Error("expire losing offer failed", "ride_id", rideID, "driver_id", driverID, "error", err)
		}
		return ride, ErrRideTaken
	}

	// the claim is authoritative; the fetched copy may lag behind it
	ride.DriverID = driverID
	ride.Status = models.RideAccepted
	ride.StatusUpdatedAt = now
	if _, err := s.Requests.TransitionRequest(ctx, rideID, driverID,
		models.RequestPending, models.RequestAccepted, ""); err != nil {
		s.Log.Error("mark offer accepted failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	observability.StatusTransitions.WithLabelValues(string(models.RideAccepted)).Inc()
	s.settleFare(ctx, ride)
	s.notify(ctx, ride)
	s.broadcast(ctx, ride)
	return ride, nil
}

// settleFare drives the hold/capture/release hooks. Failures are logged
// and never block the transition.
func (s *Service) settleFare(ctx context.Context, ride *models.Ride) {
	if s.Payments == nil {
		return
	}
	switch ride.Status {
	case models.RideAccepted:
		ref, err := s.Payments.Hold(ctx, ride.ID, s.HoldAmount, s.Currency)
		if err != nil {
			s.Log.Warn("fare hold failed", "ride_id", ride.ID, "error", err)
			return
		}
		if err := s.Rides.SetPaymentRef(ctx, ride.ID, ref); err != nil {
			s.Log.Error("store payment ref failed", "ride_id", ride.ID, "error", err)
			return
		}
		ride.PaymentRef = ref
	case models.RideCompleted:
		if ride.PaymentRef == "" {
			return
		}
		if err := s.Payments.Capture(ctx, ride.PaymentRef); err != nil {
			s.Log.Warn("fare capture failed", "ride_id", ride.ID, "error", err)
		}
	case models.RideCancelled:
		if ride.PaymentRef == "" {
			return
		}
		if err := s.Payments.Release(ctx, ride.PaymentRef); err != nil {
			s.Log.Warn("fare release failed", "ride_id", ride.ID, "error", err)
		}
	}
}

// notify emits the user-facing notification job as an explicit outbound
// event, decoupled from persistence so tests can assert on it.
func (s *Service) notify(ctx context.Context, ride *models.Ride) {
	title, body := statusMessage(ride.Status)
	if title == "" {
		return
	}
	ev := events.PushNotification{
		UserID: ride.ClientID,
		Title:  title,
		Body:   body,
		Data:   map[string]string{"ride_id": ride.ID, "status": string(ride.Status)},
	}
	if err := s.Events.Publish(ctx, events.KindPushNotification, ride.ClientID, ev); err != nil {
		s.Log.Warn("notification publish failed", "ride_id", ride.ID, "error", err)
	}
}

// broadcast fans the new status out to the rider and, once assigned, the
// driver, including the last known driver position.
func (s *Service) broadcast(ctx context.Context, ride *models.Ride) {
	data := map[string]any{
		"ride_id": ride.ID,
		"status":  ride.Status,
	}
	if ride.DriverID != "" {
		data["driver_id"] = ride.DriverID
	}
	if ride.DriverLocation != nil {
		data["driver_location"] = ride.DriverLocation
	}
	env, err := models.NewEnvelope("ride-status", data)
	if err != nil {
		s.Log.Error("status envelope failed", "ride_id", ride.ID, "error", err)
		return
	}
	targets := []string{ride.ClientID}
	if ride.DriverID != "" {
		targets = append(targets, ride.DriverID)
	}
	s.Fanout.SendToUsers(ctx, targets, env)
}

func statusMessage(status models.RideStatus) (title, body string) {
	switch status {
	case models.RideAccepted:
		return "Driver on the way", "A driver accepted your ride and is heading to the pickup point."
	case models.RideArrived:
		return "Driver arrived", "Your driver is waiting at the pickup point."
	case models.RideInProgress:
		return "Ride started", "Enjoy your trip."
	case models.RideCompleted:
		return "Ride completed", "Thanks for riding with us."
	case models.RideCancelled:
		return "Ride cancelled", "Your ride was cancelled."
	case models.RideExpired:
		return "No drivers found", "We couldn't find a driver in time. Please try again."
	}
	return "", ""
}
