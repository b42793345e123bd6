package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// SupersededReason is recorded on jobs replaced by a newer revision.
const SupersededReason = "superseded by new push"

// Canceller signals a worker session to stop.
type Canceller interface {
	Cancel(ctx context.Context, sessionID, reason string) error
}

// Outcome is the result of resolving a change event.
type Outcome struct {
	// Duplicate is set when a non-terminal job for the same revision exists.
	Duplicate  bool              `json:"duplicate"`
	Job        *models.ReviewJob `json:"job"`
	Superseded []string          `json:"superseded,omitempty"`
}

// Resolver deduplicates change events and supersedes stale jobs.
type Resolver struct {
	Store  JobStore
	Worker Canceller
	Logger *slog.Logger
	Now    func() time.Time

	// CancelTimeout bounds each background worker cancel call.
	CancelTimeout time.Duration

	wg sync.WaitGroup
}

// NewResolver creates a Resolver.
func NewResolver(st JobStore, w Canceller, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Store: st, Worker: w, Logger: logger, Now: time.Now, CancelTimeout: 30 * time.Second}
}

// Resolve returns the existing job for an already-tracked revision, or
// inserts a pending job and cancels every older non-terminal job for the
// same change. Worker cancellation runs in the background; its failures are
// logged and never returned.
func (r *Resolver) Resolve(ctx context.Context, ev *models.ChangeEvent) (*Outcome, error) {
	for attempt := 1; ; attempt++ {
		out, err := r.resolve(ctx, ev)
		if !errors.Is(err, errRaceLost) || attempt == maxResolveAttempts {
			return out, err
		}
		r.Logger.Debug("insert race lost to a finished job, resolving again", "repo", ev.Repo, "change", ev.ChangeID, "attempt", attempt)
	}
}

// maxResolveAttempts bounds re-resolving after lost insert races.
const maxResolveAttempts = 3

// errRaceLost reports that another insert for the same revision won and its
// job already finished, so no active job remains to report as a duplicate.
var errRaceLost = errors.New("insert race lost to a finished job")

func (r *Resolver) resolve(ctx context.Context, ev *models.ChangeEvent) (*Outcome, error) {
	existing, err := r.Store.ListActiveReviewJobsForChange(ctx, ev.Platform, ev.Repo, ev.ChangeID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	if dup := sameRevision(existing, ev.HeadSHA); dup != nil {
		return &Outcome{Duplicate: true, Job: dup}, nil
	}

	job := &models.ReviewJob{
		Owner:         ev.Owner,
		IntegrationID: ev.IntegrationID,
		Platform:      ev.Platform,
		Repo:          ev.Repo,
		ChangeID:      ev.ChangeID,
		HeadSHA:       ev.HeadSHA,
		BaseRef:       ev.BaseRef,
		HeadRef:       ev.HeadRef,
		Author:        ev.Author,
		Title:         ev.Title,
		URL:           ev.URL,
		Status:        models.JobStatusPending,
		CreatedAt:     r.Now().UTC(),
	}
	if err := r.Store.CreateReviewJob(ctx, job); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("create review job: %w", err)
		}
		// Lost an insert race for the same revision.
		existing, lerr := r.Store.ListActiveReviewJobsForChange(ctx, ev.Platform, ev.Repo, ev.ChangeID)
		if lerr != nil {
			return nil, fmt.Errorf("list active jobs: %w", lerr)
		}
		if dup := sameRevision(existing, ev.HeadSHA); dup != nil {
			return &Outcome{Duplicate: true, Job: dup}, nil
		}
		return nil, fmt.Errorf("create review job: %w", errRaceLost)
	}

	// Re-read after insert so jobs inserted concurrently for an older
	// revision are also superseded.
	active, err := r.Store.ListActiveReviewJobsForChange(ctx, ev.Platform, ev.Repo, ev.ChangeID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	out := &Outcome{Job: job}
	var sessions []string
	for _, old := range active {
		if old.ID == job.ID || !createdBefore(old, job) {
			continue
		}
		ok, err := transition(ctx, r.Store, r.Logger, old.ID, models.JobStatusCancelled, store.JobUpdate{
			At:           r.Now(),
			CancelReason: SupersededReason,
		})
		if err != nil {
			r.Logger.Error("cancel superseded job", "job_id", old.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.JobsSupersededCounter.Inc()
		out.Superseded = append(out.Superseded, old.ID)
		if sess := currentSession(ctx, r.Store, old); sess != "" {
			sessions = append(sessions, sess)
		}
	}

	if len(sessions) > 0 && r.Worker != nil {
		r.cancelSessions(context.WithoutCancel(ctx), sessions, SupersededReason)
	}
	return out, nil
}

type cancelResult struct {
	session string
	err     error
}

// cancelSessions fans out worker cancellations in the background and logs
// the per-session outcomes once all calls settle.
func (r *Resolver) cancelSessions(ctx context.Context, sessions []string, reason string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p := pool.NewWithResults[cancelResult]().WithMaxGoroutines(4)
		for _, sess := range sessions {
			p.Go(func() cancelResult {
				cctx, cancel := context.WithTimeout(ctx, r.CancelTimeout)
				defer cancel()
				return cancelResult{session: sess, err: r.Worker.Cancel(cctx, sess, reason)}
			})
		}
		for _, res := range p.Wait() {
			if res.err != nil {
				r.Logger.Warn("worker cancel failed", "session", res.session, "error", res.err)
			} else {
				r.Logger.Debug("worker cancelled", "session", res.session)
			}
		}
	}()
}

// Wait blocks until background cancellations have settled.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func sameRevision(jobs []*models.ReviewJob, sha string) *models.ReviewJob {
	for _, j := range jobs {
		if j.HeadSHA == sha {
			return j
		}
	}
	return nil
}

// createdBefore orders jobs by creation time, then by id.
func createdBefore(a, b *models.ReviewJob) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
