package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
)

// DefaultStuckAfter is how long a job may stay running without a callback.
const DefaultStuckAfter = 2 * time.Hour

// Lane is a queue the sweeper visits.
type Lane interface {
	Queue
	OwnersWithPending(ctx context.Context) ([]models.Owner, error)
	// FailStale fails running jobs started before cutoff and returns how many.
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically recovers stale jobs and re-runs dispatch for every
// owner with pending work, covering triggers that were missed.
type Sweeper struct {
	Lanes      []Lane
	Interval   time.Duration
	StuckAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewSweeper creates a Sweeper over lanes.
func NewSweeper(interval time.Duration, logger *slog.Logger, lanes ...Lane) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Lanes:      lanes,
		Interval:   interval,
		StuckAfter: DefaultStuckAfter,
		Logger:     logger,
		Now:        time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(addJitter(s.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over all lanes and returns the dispatch totals.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	metrics.SweepsCounter.Inc()
	var total Result
	for _, lane := range s.Lanes {
		log := s.Logger.With("kind", lane.Kind())

		if s.StuckAfter > 0 {
			n, err := lane.FailStale(ctx, s.Now().Add(-s.StuckAfter))
			if err != nil {
				log.Error("fail stale jobs", "error", err)
			} else if n > 0 {
				metrics.StaleJobsCounter.WithLabelValues(lane.Kind()).Add(float64(n))
				log.Warn("failed stale jobs", "count", n)
			}
		}

		owners, err := lane.OwnersWithPending(ctx)
		if err != nil {
			log.Error("list owners with pending work", "error", err)
			continue
		}
		d := &Dispatcher{Queue: lane, Logger: s.Logger, Now: s.Now}
		for _, owner := range owners {
			res, err := d.Dispatch(ctx, owner, "")
			if err != nil {
				log.Warn("sweep dispatch", "owner", owner.String(), "error", err)
			}
			total.Dispatched += res.Dispatched
			total.StillPending += res.StillPending
			total.Active += res.Active
		}
	}
	return total
}

// addJitter returns duration +/- 10%.
func addJitter(duration time.Duration) time.Duration {
	r := rand.Float64() //nolint:gosec // not crypto-relevant
	return time.Duration(float64(duration) * (0.9 + 0.2*r))
}
