// Package jobs owns the review job lifecycle: dedup and supersession of
// inbound change events, admission through the dispatcher, and completion.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// Kind labels review jobs in logs and metrics.
const Kind = "review"

var (
	// ErrNotRetryable is returned when retrying a job that is not failed or
	// cancelled, or whose revision a newer push replaced.
	ErrNotRetryable = errors.New("job cannot be retried")
	// ErrNotOwner is returned when a job belongs to another owner.
	ErrNotOwner = errors.New("job belongs to another owner")
)

// JobStore is the persistence the jobs package needs.
type JobStore interface {
	GetAgentConfig(ctx context.Context, owner models.Owner, agent models.AgentType) (*models.OwnerAgentConfig, error)
	CreateReviewJob(ctx context.Context, job *models.ReviewJob) error
	GetReviewJob(ctx context.Context, id string) (*models.ReviewJob, error)
	GetReviewJobBySession(ctx context.Context, sessionID string) (*models.ReviewJob, error)
	ListReviewJobs(ctx context.Context, filter store.JobListFilter) ([]*models.ReviewJob, int, error)
	ListActiveReviewJobsForChange(ctx context.Context, platform models.Platform, repo string, changeID int) ([]*models.ReviewJob, error)
	CountReviewJobs(ctx context.Context, owner models.Owner, statuses ...models.JobStatus) (int, error)
	ListPendingReviewJobIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error)
	ClaimReviewJob(ctx context.Context, owner models.Owner, id string, limit int, at time.Time) (bool, error)
	SetReviewJobSession(ctx context.Context, id, sessionID string) (bool, error)
	ReleaseReviewJob(ctx context.Context, id string) (bool, error)
	TransitionReviewJob(ctx context.Context, id string, to models.JobStatus, upd store.JobUpdate) (bool, error)
	ListOwnersWithPendingReviewJobs(ctx context.Context) ([]models.Owner, error)
	ListStaleReviewJobs(ctx context.Context, startedBefore time.Time) ([]*models.ReviewJob, error)
}

// transition applies a guarded status change. A rejected transition is a
// contract violation: it is logged and counted, and the caller continues.
// It reports whether the row changed.
func transition(ctx context.Context, st JobStore, log *slog.Logger, id string, to models.JobStatus, upd store.JobUpdate) (bool, error) {
	ok, err := st.TransitionReviewJob(ctx, id, to, upd)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.JobsFinishedCounter.WithLabelValues(Kind, string(to)).Inc()
		return true, nil
	}

	job, err := st.GetReviewJob(ctx, id)
	if err != nil {
		return false, err
	}
	metrics.ContractViolationsCounter.WithLabelValues(Kind).Inc()
	log.Warn("contract violation: rejected transition",
		"job_id", id, "from", job.Status, "to", to)
	return false, nil
}

// currentSession re-reads job after it was cancelled. A session attached
// between an earlier read and the cancel is only visible here; one attached
// after the cancel is refused by the store and stopped by the dispatcher.
func currentSession(ctx context.Context, st JobStore, job *models.ReviewJob) string {
	if cur, err := st.GetReviewJob(ctx, job.ID); err == nil {
		return cur.WorkerSessionID
	}
	return job.WorkerSessionID
}

func checkOwner(job *models.ReviewJob, owner models.Owner) error {
	if job.Owner != owner {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotOwner)
	}
	return nil
}
