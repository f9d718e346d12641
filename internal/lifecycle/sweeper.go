package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const sweepBatch = 100

// Sweeper expires rides stuck in pending past the dispatch window. It runs
// outside the event-driven path, on a plain ticker in the worker.
type Sweeper struct {
	Service  *Service
	Rides    storage.RideStore
	Window   time.Duration // how long a ride may stay pending
	Interval time.Duration
	Log      *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.Log.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				s.Log.Info("expired stale pending rides", "count", n)
			}
		}
	}
}

// SweepOnce expires one batch and returns how many rides it moved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.Window)
	stale, err := s.Rides.ListPendingBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, ride := range stale {
		r, err := s.Service.ApplyStatus(ctx, ride.ID, models.RideExpired)
		if errors.Is(err, ErrInvalidTransition) {
			// raced with an accept between list and apply; leave it
			continue
		}
		if err != nil {
			return expired, err
		}
		if r.Status != models.RideExpired {
			continue
		}
		expired++
		observability.RidesExpired.Inc()
	}
	return expired, nil
}
