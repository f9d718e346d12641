package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trigger"
)

type loopbackPublisher struct {
	mu     sync.Mutex
	queued [][]byte
}

func (p *loopbackPublisher) Publish(ctx context.Context, kind events.Kind, key string, payload any) error {
	b, err := events.Encode(kind, payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.queued = append(p.queued, b)
	p.mu.Unlock()
	return nil
}

func (p *loopbackPublisher) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queued
	p.queued = nil
	return out
}

type nopTransport struct{}

func (nopTransport) Push(ctx context.Context, connectionID string, payload []byte) fanout.DeliveryResult {
	return fanout.Delivered
}

type harness struct {
	router *Router
	pub    *loopbackPublisher
	rides  *storage.MemoryRideStore
	reqs   *storage.MemoryRequestStore
	ps     *presence.MemoryStore
}

func newHarness() *harness {
	rides := storage.NewMemoryRideStore()
	reqs := storage.NewMemoryRequestStore()
	ps := presence.NewMemoryStore()
	pub := &loopbackPublisher{}
	log := slog.Default()
	disp := fanout.NewDispatcher(registry.NewMemoryRegistry(), nopTransport{}, log)

	lc := &lifecycle.Service{Rides: rides, Requests: reqs, Fanout: disp, Events: pub, Log: log}
	tr := &trigger.Trigger{Rides: rides, Requests: reqs, Presence: ps, Events: pub, Fanout: disp, Log: log}
	mon := &presence.Monitor{Presence: ps, Requests: reqs, Rides: rides, Fanout: disp, Log: log}

	return &harness{
		router: &Router{Trigger: tr, Lifecycle: lc, Monitor: mon, Log: log},
		pub:    pub,
		rides:  rides,
		reqs:   reqs,
		ps:     ps,
	}
}

func (h *harness) deliver(t *testing.T, kind events.Kind, payload any) {
	t.Helper()
	b, err := events.Encode(kind, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	if err := h.router.Handle(context.Background(), b); err != nil {
		t.Fatalf("handle %s: %v", kind, err)
	}
}

func TestRouterDropsUndecodable(t *testing.T) {
	h := newHarness()
	if err := h.router.Handle(context.Background(), []byte("garbage")); err != nil {
		t.Fatalf("undecodable events must be acked, got %v", err)
	}
	if err := h.router.Handle(context.Background(), []byte(`{"type":"unheard-of","payload":{}}`)); err != nil {
		t.Fatalf("unknown kinds must be acked, got %v", err)
	}
}

func TestRouterStatusChangeForUnknownRideAcked(t *testing.T) {
	h := newHarness()
	h.deliver(t, events.KindRideStatusChanged, events.RideStatusChanged{RideID: "ghost", Status: models.RideAccepted})
}

// End-to-end dispatch scenario: three candidates, one goes offline, one
// accepts.
func TestDispatchScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 3; i++ {
		_ = h.ps.Save(ctx, models.DriverPresence{
			DriverID:   fmt.Sprintf("d%d", i),
			Status:     models.DriverOnline,
			Available:  true,
			Location:   &models.Coord{Lat: float64(i), Lon: float64(i)},
			LastUpdate: now,
		})
	}
	_ = h.rides.SaveRide(ctx, &models.Ride{
		ID: "R1", ClientID: "c1", Status: models.RidePending,
		Pickup: models.Coord{Lat: 0, Lon: 0}, Dropoff: models.Coord{Lat: 1, Lon: 1},
		VehicleType: "economy", CreatedAt: now, StatusUpdatedAt: now,
	})

	// ride created → 3 pending offers
	h.deliver(t, events.KindRideCreated, events.RideCreated{RideID: "R1"})
	for i := 1; i <= 3; i++ {
		rr, err := h.reqs.GetRequest(ctx, "R1", fmt.Sprintf("d%d", i))
		if err != nil || rr.Status != models.RequestPending {
			t.Fatalf("d%d offer: %+v err=%v", i, rr, err)
		}
	}

	// the queued offer events route back through the worker unharmed
	for _, raw := range h.pub.drain() {
		if err := h.router.Handle(ctx, raw); err != nil {
			t.Fatalf("offer routing: %v", err)
		}
	}

	// d2 goes offline → only d2's offer is cancelled
	h.deliver(t, events.KindDriverStatus, events.DriverStatusChanged{
		DriverID: "d2", Status: models.DriverOffline, PreviousStatus: models.DriverOnline, Timestamp: now,
	})
	rr, _ := h.reqs.GetRequest(ctx, "R1", "d2")
	if rr.Status != models.RequestCancelled || rr.CancelReason != models.CancelReasonDriverOffline {
		t.Fatalf("d2 offer should be cascade-cancelled, got %+v", rr)
	}
	for _, d := range []string{"d1", "d3"} {
		rr, _ := h.reqs.GetRequest(ctx, "R1", d)
		if rr.Status != models.RequestPending {
			t.Fatalf("%s offer should stay pending, got %s", d, rr.Status)
		}
	}

	// d1 accepts → ride accepted, d3 left pending for the sweep
	ride, err := h.router.Lifecycle.AcceptRequest(ctx, "R1", "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ride.Status != models.RideAccepted || ride.DriverID != "d1" {
		t.Fatalf("unexpected ride after accept: %+v", ride)
	}
	rr, _ = h.reqs.GetRequest(ctx, "R1", "d3")
	if rr.Status != models.RequestPending {
		t.Fatalf("d3 offer should remain pending, got %s", rr.Status)
	}

	// duplicate ride-created replay changes nothing
	h.deliver(t, events.KindRideCreated, events.RideCreated{RideID: "R1"})
	ride, _ = h.rides.GetRide(ctx, "R1")
	if ride.Status != models.RideAccepted {
		t.Fatalf("replay must not disturb the ride, got %s", ride.Status)
	}
}
