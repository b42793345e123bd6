package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// reviewQueue adapts the review job store to the dispatcher.
type reviewQueue struct {
	s *Service
}

var _ dispatch.Lane = reviewQueue{}

// Queue returns the dispatch lane for review jobs.
func (s *Service) Queue() dispatch.Lane {
	return reviewQueue{s: s}
}

func (q reviewQueue) Kind() string { return Kind }

func (q reviewQueue) Limit(ctx context.Context, owner models.Owner) (int, error) {
	cfg, err := q.s.Store.GetAgentConfig(ctx, owner, models.AgentTypeReview)
	if err != nil {
		return 0, err
	}
	return cfg.ConcurrencyLimit, nil
}

func (q reviewQueue) CountRunning(ctx context.Context, owner models.Owner) (int, error) {
	return q.s.Store.CountReviewJobs(ctx, owner, models.JobStatusRunning)
}

func (q reviewQueue) CountPending(ctx context.Context, owner models.Owner) (int, error) {
	return q.s.Store.CountReviewJobs(ctx, owner, models.JobStatusPending)
}

func (q reviewQueue) PendingIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error) {
	return q.s.Store.ListPendingReviewJobIDs(ctx, owner, limit)
}

func (q reviewQueue) Claim(ctx context.Context, owner models.Owner, id string, limit int, at time.Time) (bool, error) {
	return q.s.Store.ClaimReviewJob(ctx, owner, id, limit, at)
}

func (q reviewQueue) Start(ctx context.Context, id string) (string, error) {
	job, err := q.s.Store.GetReviewJob(ctx, id)
	if err != nil {
		return "", err
	}
	return q.s.Worker.StartReview(ctx, job)
}

func (q reviewQueue) Attach(ctx context.Context, id, sessionID string) (bool, error) {
	return q.s.Store.SetReviewJobSession(ctx, id, sessionID)
}

func (q reviewQueue) Cancel(ctx context.Context, sessionID, reason string) error {
	return q.s.Worker.Cancel(ctx, sessionID, reason)
}

func (q reviewQueue) Release(ctx context.Context, id string) error {
	_, err := q.s.Store.ReleaseReviewJob(ctx, id)
	return err
}

func (q reviewQueue) OwnersWithPending(ctx context.Context) ([]models.Owner, error) {
	return q.s.Store.ListOwnersWithPendingReviewJobs(ctx)
}

// FailStale fails running jobs whose worker never reported back.
func (q reviewQueue) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := q.s.Store.ListStaleReviewJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale review jobs: %w", err)
	}
	n := 0
	for _, job := range stale {
		ok, err := transition(ctx, q.s.Store, q.s.Logger, job.ID, models.JobStatusFailed, store.JobUpdate{At: q.s.Now(), Error: TimedOutError})
		if err != nil {
			q.s.Logger.Error("fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		n++
		if job.WorkerSessionID != "" {
			if err := q.s.Worker.Cancel(ctx, job.WorkerSessionID, TimedOutError); err != nil {
				q.s.Logger.Warn("worker cancel failed", "job_id", job.ID, "error", err)
			}
		}
	}
	return n, nil
}
