package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type capturedEvent struct {
	kind    events.Kind
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, kind events.Kind, key string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{kind, payload})
	return nil
}

func (f *fakePublisher) byKind(kind events.Kind) []capturedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedEvent
	for _, e := range f.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeAuthorizer struct {
	mu       sync.Mutex
	held     []string
	captured []string
	released []string
}

func (f *fakeAuthorizer) Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, rideID)
	return "pi_" + rideID, nil
}

func (f *fakeAuthorizer) Capture(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakeAuthorizer) Release(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ref)
	return nil
}

type nopTransport struct{}

func (nopTransport) Push(ctx context.Context, connectionID string, payload []byte) fanout.DeliveryResult {
	return fanout.Delivered
}

func newTestService() (*Service, *storage.MemoryRideStore, *storage.MemoryRequestStore, *fakePublisher, *fakeAuthorizer) {
	rides := storage.NewMemoryRideStore()
	reqs := storage.NewMemoryRequestStore()
	pub := &fakePublisher{}
	pay := &fakeAuthorizer{}
	svc := &Service{
		Rides:      rides,
		Requests:   reqs,
		Fanout:     fanout.NewDispatcher(registry.NewMemoryRegistry(), nopTransport{}, slog.Default()),
		Events:     pub,
		Payments:   pay,
		Log:        slog.Default(),
		HoldAmount: 1500,
		Currency:   "usd",
	}
	return svc, rides, reqs, pub, pay
}

func seedRide(t *testing.T, rides *storage.MemoryRideStore, id string, status models.RideStatus) {
	t.Helper()
	now := time.Now()
	err := rides.SaveRide(context.Background(), &models.Ride{
		ID: id, ClientID: "c1", Status: status,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		CreatedAt: now, StatusUpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}
}

func TestTerminalStateIsIdempotent(t *testing.T) {
	svc, rides, _, _, _ := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RideCompleted)
	before, _ := rides.GetRide(ctx, "r1")

	for _, next := range []models.RideStatus{models.RidePending, models.RideAccepted, models.RideCancelled, models.RideCompleted} {
		got, err := svc.ApplyStatus(ctx, "r1", next)
		if err != nil {
			t.Fatalf("apply %s on terminal ride: %v", next, err)
		}
		if got.Status != models.RideCompleted || !got.StatusUpdatedAt.Equal(before.StatusUpdatedAt) {
			t.Fatalf("terminal ride mutated by %s: %+v", next, got)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	svc, rides, _, _, _ := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RidePending)

	got, err := svc.ApplyStatus(ctx, "r1", models.RideInProgress)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got.Status != models.RidePending {
		t.Fatalf("ride must be unchanged, got %s", got.Status)
	}
}

func TestDuplicateStatusIsNoOp(t *testing.T) {
	svc, rides, _, pub, _ := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RidePending)

	if _, err := svc.ApplyStatus(ctx, "r1", models.RideAccepted); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	n := len(pub.byKind(events.KindPushNotification))
	if _, err := svc.ApplyStatus(ctx, "r1", models.RideAccepted); err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}
	if len(pub.byKind(events.KindPushNotification)) != n {
		t.Fatal("duplicate delivery must not emit another notification")
	}
}

func TestForwardPathEmitsNotifications(t *testing.T) {
	svc, rides, _, pub, _ := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RidePending)

	path := []models.RideStatus{models.RideAccepted, models.RideArrived, models.RideInProgress, models.RideCompleted}
	for _, next := range path {
		got, err := svc.ApplyStatus(ctx, "r1", next)
		if err != nil {
			t.Fatalf("apply %s: %v", next, err)
		}
		if got.Status != next {
			t.Fatalf("expected %s, got %s", next, got.Status)
		}
	}
	notes := pub.byKind(events.KindPushNotification)
	if len(notes) != len(path) {
		t.Fatalf("expected %d notifications, got %d", len(path), len(notes))
	}
	first := notes[0].payload.(events.PushNotification)
	if first.UserID != "c1" || first.Data["status"] != string(models.RideAccepted) {
		t.Fatalf("unexpected first notification: %+v", first)
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	svc, rides, _, _, _ := newTestService()
	ctx := context.Background()
	for i, status := range []models.RideStatus{models.RidePending, models.RideAccepted, models.RideArrived, models.RideInProgress} {
		id := string(rune('a' + i))
		seedRide(t, rides, id, status)
		got, err := svc.ApplyStatus(ctx, id, models.RideCancelled)
		if err != nil {
			t.Fatalf("cancel from %s: %v", status, err)
		}
		if got.Status != models.RideCancelled {
			t.Fatalf("expected cancelled from %s, got %s", status, got.Status)
		}
	}
}

func TestBackwardMoveRejected(t *testing.T) {
	svc, rides, _, _, _ := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RidePending)
	for _, next := range []models.RideStatus{models.RideAccepted, models.RideArrived} {
		if _, err := svc.ApplyStatus(ctx, "r1", next); err != nil {
			t.Fatalf("apply %s: %v", next, err)
		}
	}
	if _, err := svc.ApplyStatus(ctx, "r1", models.RideAccepted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected backward move rejected, got %v", err)
	}
}

func TestAcceptFirstWins(t *testing.T) {
	svc, rides, reqs, _, _ := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RidePending)
	for _, d := range []string{"d1", "d2", "d3"} {
		_, _ = reqs.CreateIfAbsent(ctx, &models.RideRequest{
			RideID: "r1", DriverID: d, Status: models.RequestPending, CreatedAt: time.Now(),
		})
	}

	ride, err := svc.AcceptRequest(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("winner accept: %v", err)
	}
	if ride.Status != models.RideAccepted || ride.DriverID != "d1" {
		t.Fatalf("unexpected ride after accept: %+v", ride)
	}

	// the loser's accept is rejected and their offer expired
	_, err = svc.AcceptRequest(ctx, "r1", "d2")
	if !errors.Is(err, ErrRideTaken) {
		t.Fatalf("expected ErrRideTaken, got %v", err)
	}
	loser, _ := reqs.GetRequest(ctx, "r1", "d2")
	if loser.Status != models.RequestExpired {
		t.Fatalf("losing offer should be expired, got %s", loser.Status)
	}

	// an untouched sibling stays pending (cleanup is the sweep's job)
	bystander, _ := reqs.GetRequest(ctx, "r1", "d3")
	if bystander.Status != models.RequestPending {
		t.Fatalf("sibling offer should stay pending, got %s", bystander.Status)
	}

	// duplicate accept from the winner is a no-op
	again, err := svc.AcceptRequest(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("duplicate winner accept: %v", err)
	}
	if again.Status != models.RideAccepted {
		t.Fatalf("expected accepted, got %s", again.Status)
	}
}

// pendingSnapshotStore serves every read as the pre-accept pending
// snapshot, modelling two accepts that both read the ride before either
// writes. The conditional claim on the ride row must still pick exactly
// one winner.
type pendingSnapshotStore struct {
	*storage.MemoryRideStore
}

func (s *pendingSnapshotStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.MemoryRideStore.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status = models.RidePending
	r.DriverID = ""
	return r, nil
}

func TestAcceptRaceHasSingleWinner(t *testing.T) {
	svc, backing, reqs, _, _ := newTestService()
	svc.Rides = &pendingSnapshotStore{MemoryRideStore: backing}
	ctx := context.Background()
	seedRide(t, backing, "r1", models.RidePending)
	for _, d := range []string{"d1", "d2"} {
		_, _ = reqs.CreateIfAbsent(ctx, &models.RideRequest{
			RideID: "r1", DriverID: d, Status: models.RequestPending, CreatedAt: time.Now(),
		})
	}

	win, err := svc.AcceptRequest(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if win.Status != models.RideAccepted || win.DriverID != "d1" {
		t.Fatalf("unexpected winner ride: %+v", win)
	}
	if _, err := svc.AcceptRequest(ctx, "r1", "d2"); !errors.Is(err, ErrRideTaken) {
		t.Fatalf("second accept must lose even on a stale read, got %v", err)
	}

	stored, _ := backing.GetRide(ctx, "r1")
	if stored.Status != models.RideAccepted || stored.DriverID != "d1" {
		t.Fatalf("ride must stay with the first winner, got %+v", stored)
	}
	d1, _ := reqs.GetRequest(ctx, "r1", "d1")
	d2, _ := reqs.GetRequest(ctx, "r1", "d2")
	if d1.Status != models.RequestAccepted || d2.Status != models.RequestExpired {
		t.Fatalf("offer statuses: d1=%s d2=%s", d1.Status, d2.Status)
	}
}

func TestAcceptUnknownOffer(t *testing.T) {
	svc, rides, _, _, _ := newTestService()
	seedRide(t, rides, "r1", models.RidePending)
	if _, err := svc.AcceptRequest(context.Background(), "r1", "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFareHoldCaptureRelease(t *testing.T) {
	svc, rides, reqs, _, pay := newTestService()
	ctx := context.Background()
	seedRide(t, rides, "r1", models.RidePending)
	_, _ = reqs.CreateIfAbsent(ctx, &models.RideRequest{RideID: "r1", DriverID: "d1", Status: models.RequestPending, CreatedAt: time.Now()})

	if _, err := svc.AcceptRequest(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(pay.held) != 1 || pay.held[0] != "r1" {
		t.Fatalf("expected one hold for r1, got %v", pay.held)
	}
	for _, next := range []models.RideStatus{models.RideArrived, models.RideInProgress, models.RideCompleted} {
		if _, err := svc.ApplyStatus(ctx, "r1", next); err != nil {
			t.Fatalf("apply %s: %v", next, err)
		}
	}
	if len(pay.captured) != 1 || pay.captured[0] != "pi_r1" {
		t.Fatalf("expected capture of pi_r1, got %v", pay.captured)
	}

	seedRide(t, rides, "r2", models.RidePending)
	_, _ = reqs.CreateIfAbsent(ctx, &models.RideRequest{RideID: "r2", DriverID: "d1", Status: models.RequestPending, CreatedAt: time.Now()})
	if _, err := svc.AcceptRequest(ctx, "r2", "d1"); err != nil {
		t.Fatalf("accept r2: %v", err)
	}
	if _, err := svc.ApplyStatus(ctx, "r2", models.RideCancelled); err != nil {
		t.Fatalf("cancel r2: %v", err)
	}
	if len(pay.released) != 1 || pay.released[0] != "pi_r2" {
		t.Fatalf("expected release of pi_r2, got %v", pay.released)
	}
}

func TestSweeperExpiresOnlyStalePending(t *testing.T) {
	svc, rides, _, _, _ := newTestService()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	_ = rides.SaveRide(ctx, &models.Ride{ID: "stale", ClientID: "c1", Status: models.RidePending, CreatedAt: old, StatusUpdatedAt: old})
	_ = rides.SaveRide(ctx, &models.Ride{ID: "fresh", ClientID: "c1", Status: models.RidePending, CreatedAt: time.Now(), StatusUpdatedAt: time.Now()})
	_ = rides.SaveRide(ctx, &models.Ride{ID: "active", ClientID: "c1", DriverID: "d1", Status: models.RideAccepted, CreatedAt: old, StatusUpdatedAt: old})

	sw := &Sweeper{Service: svc, Rides: rides, Window: 30 * time.Minute, Interval: time.Minute, Log: slog.Default()}
	n, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	r, _ := rides.GetRide(ctx, "stale")
	if r.Status != models.RideExpired {
		t.Fatalf("stale ride should be expired, got %s", r.Status)
	}
	r, _ = rides.GetRide(ctx, "fresh")
	if r.Status != models.RidePending {
		t.Fatalf("fresh ride should stay pending, got %s", r.Status)
	}
	r, _ = rides.GetRide(ctx, "active")
	if r.Status != models.RideAccepted {
		t.Fatalf("active ride should be untouched, got %s", r.Status)
	}
}
