package presence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type nopTransport struct{}

func (nopTransport) Push(ctx context.Context, connectionID string, payload []byte) fanout.DeliveryResult {
	return fanout.Delivered
}

func newTestMonitor() (*Monitor, *MemoryStore, *storage.MemoryRequestStore, *storage.MemoryRideStore) {
	ps := NewMemoryStore()
	reqs := storage.NewMemoryRequestStore()
	rides := storage.NewMemoryRideStore()
	disp := fanout.NewDispatcher(registry.NewMemoryRegistry(), nopTransport{}, slog.Default())
	return &Monitor{Presence: ps, Requests: reqs, Rides: rides, Fanout: disp, Log: slog.Default()}, ps, reqs, rides
}

func seedRequest(t *testing.T, reqs *storage.MemoryRequestStore, rideID, driverID string, status models.RequestStatus) {
	t.Helper()
	created, err := reqs.CreateIfAbsent(context.Background(), &models.RideRequest{
		RideID: rideID, DriverID: driverID, Status: status, CreatedAt: time.Now(),
	})
	if err != nil || !created {
		t.Fatalf("seed request %s/%s: created=%v err=%v", rideID, driverID, created, err)
	}
}

func TestCascadeCancelsOnlyPendingOffers(t *testing.T) {
	m, _, reqs, _ := newTestMonitor()
	ctx := context.Background()
	seedRequest(t, reqs, "r1", "d1", models.RequestPending)
	seedRequest(t, reqs, "r2", "d1", models.RequestPending)
	seedRequest(t, reqs, "r3", "d1", models.RequestAccepted)

	err := m.HandleStatusChanged(ctx, &events.DriverStatusChanged{
		DriverID: "d1", Status: models.DriverOffline, PreviousStatus: models.DriverOnline, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	for _, rideID := range []string{"r1", "r2"} {
		rr, err := reqs.GetRequest(ctx, rideID, "d1")
		if err != nil {
			t.Fatalf("get %s: %v", rideID, err)
		}
		if rr.Status != models.RequestCancelled || rr.CancelReason != models.CancelReasonDriverOffline {
			t.Fatalf("%s: expected cancelled/driver_went_offline, got %s/%s", rideID, rr.Status, rr.CancelReason)
		}
	}
	rr, _ := reqs.GetRequest(ctx, "r3", "d1")
	if rr.Status != models.RequestAccepted {
		t.Fatalf("accepted offer must be untouched, got %s", rr.Status)
	}
}

func TestNoCascadeWithoutOnlineToOffline(t *testing.T) {
	m, _, reqs, _ := newTestMonitor()
	ctx := context.Background()
	seedRequest(t, reqs, "r1", "d1", models.RequestPending)

	cases := []struct{ prev, next models.DriverStatus }{
		{models.DriverBusy, models.DriverOffline},
		{models.DriverOnline, models.DriverBusy},
		{models.DriverOffline, models.DriverOnline},
	}
	for _, c := range cases {
		err := m.HandleStatusChanged(ctx, &events.DriverStatusChanged{
			DriverID: "d1", Status: c.next, PreviousStatus: c.prev, Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("handle %s→%s: %v", c.prev, c.next, err)
		}
	}
	rr, _ := reqs.GetRequest(ctx, "r1", "d1")
	if rr.Status != models.RequestPending {
		t.Fatalf("offer should stay pending, got %s", rr.Status)
	}
}

func TestStatusChangeAppendsHistory(t *testing.T) {
	m, ps, _, _ := newTestMonitor()
	ctx := context.Background()
	for _, s := range []models.DriverStatus{models.DriverOnline, models.DriverBusy, models.DriverOnline} {
		err := m.HandleStatusChanged(ctx, &events.DriverStatusChanged{
			DriverID: "d1", Status: s, PreviousStatus: models.DriverOffline, Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := len(ps.History("d1")); got != 3 {
		t.Fatalf("expected 3 history entries, got %d", got)
	}
	p, err := ps.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if p.Status != models.DriverOnline || !p.Available {
		t.Fatalf("unexpected final presence: %+v", p)
	}
}

func TestDuplicateStatusDeliveryIsNoOp(t *testing.T) {
	m, ps, _, _ := newTestMonitor()
	ctx := context.Background()
	ev := &events.DriverStatusChanged{
		DriverID: "d1", Status: models.DriverOnline, PreviousStatus: models.DriverOffline,
		Timestamp: time.Now(),
	}
	for i := 0; i < 3; i++ {
		if err := m.HandleStatusChanged(ctx, ev); err != nil {
			t.Fatalf("delivery #%d: %v", i+1, err)
		}
	}
	if got := len(ps.History("d1")); got != 1 {
		t.Fatalf("duplicate delivery must not append history, got %d entries", got)
	}
}

func TestLocationUpdateMirroredToActiveRide(t *testing.T) {
	m, _, _, rides := newTestMonitor()
	ctx := context.Background()
	now := time.Now()
	_ = rides.SaveRide(ctx, &models.Ride{
		ID: "r1", ClientID: "c1", DriverID: "d1", Status: models.RideAccepted,
		CreatedAt: now, StatusUpdatedAt: now,
	})

	err := m.HandleLocationUpdated(ctx, &events.DriverLocationUpdated{
		DriverID: "d1", Location: models.Coord{Lat: 1.5, Lon: 2.5}, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	r, _ := rides.GetRide(ctx, "r1")
	if r.DriverLocation == nil || r.DriverLocation.Lat != 1.5 {
		t.Fatalf("driver location not mirrored: %+v", r.DriverLocation)
	}
}

func TestLocationUpdateWithoutActiveRide(t *testing.T) {
	m, ps, _, _ := newTestMonitor()
	ctx := context.Background()
	err := m.HandleLocationUpdated(ctx, &events.DriverLocationUpdated{
		DriverID: "d9", Location: models.Coord{Lat: 3, Lon: 4}, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p, err := ps.Get(ctx, "d9")
	if err != nil {
		t.Fatalf("presence missing: %v", err)
	}
	if p.Location == nil || p.Location.Lat != 3 {
		t.Fatalf("location not stored: %+v", p.Location)
	}
}
