package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// Worker starts and cancels review sessions.
type Worker interface {
	Canceller
	StartReview(ctx context.Context, job *models.ReviewJob) (string, error)
}

// Reactor posts acknowledgement reactions on a change.
type Reactor interface {
	PostReaction(ctx context.Context, integrationID, repo string, changeID int, emoji string) error
}

// AckReaction is posted on a change once its review job is accepted.
const AckReaction = "eyes"

// TimedOutError is recorded on running jobs the sweeper gives up on.
const TimedOutError = "worker timed out"

// Service is the review job command and query surface.
type Service struct {
	Store      JobStore
	Worker     Worker
	Reactor    Reactor
	Resolver   *Resolver
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewService wires a Service with its resolver and dispatcher.
func NewService(st JobStore, w Worker, reactor Reactor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		Store:    st,
		Worker:   w,
		Reactor:  reactor,
		Resolver: NewResolver(st, w, logger),
		Logger:   logger,
		Now:      time.Now,
	}
	s.Dispatcher = dispatch.New(s.Queue(), logger)
	return s
}

// SetNow overrides the clock for the service and its collaborators.
func (s *Service) SetNow(now func() time.Time) {
	s.Now = now
	s.Resolver.Now = now
	s.Dispatcher.Now = now
}

// HandleEvent resolves a canonical change event into a job and attempts
// immediate admission. Dispatch failures are logged: the job stays pending
// and a later trigger admits it.
func (s *Service) HandleEvent(ctx context.Context, ev *models.ChangeEvent) (*Outcome, error) {
	out, err := s.Resolver.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}
	log := s.Logger.With("owner", ev.Owner.String(), "repo", ev.Repo, "change", ev.ChangeID)
	if out.Duplicate {
		log.Info("duplicate change event", "job_id", out.Job.ID, "session", out.Job.WorkerSessionID)
		return out, nil
	}
	log.Info("review job queued", "job_id", out.Job.ID, "superseded", len(out.Superseded))

	if s.Reactor != nil {
		if err := s.Reactor.PostReaction(ctx, ev.IntegrationID, ev.Repo, ev.ChangeID, AckReaction); err != nil {
			log.Warn("post reaction", "error", err)
		}
	}

	if _, err := s.Dispatcher.Dispatch(ctx, ev.Owner, out.Job.ID); err != nil {
		log.Warn("dispatch after create", "job_id", out.Job.ID, "error", err)
	}
	if job, err := s.Store.GetReviewJob(ctx, out.Job.ID); err == nil {
		out.Job = job
	}
	return out, nil
}

// Complete records a worker's successful result and reuses the freed slot.
func (s *Service) Complete(ctx context.Context, jobID, result string) error {
	return s.finish(ctx, jobID, models.JobStatusCompleted, store.JobUpdate{At: s.Now(), Result: result})
}

// Fail records a worker failure.
func (s *Service) Fail(ctx context.Context, jobID, msg string) error {
	return s.finish(ctx, jobID, models.JobStatusFailed, store.JobUpdate{At: s.Now(), Error: msg})
}

func (s *Service) finish(ctx context.Context, jobID string, to models.JobStatus, upd store.JobUpdate) error {
	job, err := s.Store.GetReviewJob(ctx, jobID)
	if err != nil {
		return err
	}
	ok, err := transition(ctx, s.Store, s.Logger, jobID, to, upd)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	if ok {
		s.Logger.Info("review job finished", "job_id", jobID, "status", to)
		s.redispatch(ctx, job.Owner)
	}
	return nil
}

// CompleteSession resolves a callback addressed by worker session id.
func (s *Service) CompleteSession(ctx context.Context, sessionID, result, errMsg string) error {
	job, err := s.Store.GetReviewJobBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if errMsg != "" {
		return s.Fail(ctx, job.ID, errMsg)
	}
	return s.Complete(ctx, job.ID, result)
}

// Cancel is the administrative cancel. The local status changes immediately;
// the worker is signalled best-effort.
func (s *Service) Cancel(ctx context.Context, owner models.Owner, jobID, reason string) (*models.ReviewJob, error) {
	job, err := s.Store.GetReviewJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(job, owner); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	ok, err := transition(ctx, s.Store, s.Logger, jobID, models.JobStatusCancelled, store.JobUpdate{At: s.Now(), CancelReason: reason})
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if ok {
		if sess := currentSession(ctx, s.Store, job); sess != "" {
			if err := s.Worker.Cancel(ctx, sess, reason); err != nil {
				s.Logger.Warn("worker cancel failed", "job_id", jobID, "session", sess, "error", err)
			}
		}
		s.redispatch(ctx, owner)
	}
	return s.Store.GetReviewJob(ctx, jobID)
}

// Retry creates a new pending job for the change and revision of a failed
// or cancelled job. The original job is left untouched. A revision that a
// newer push replaced is not retried, since its job would supersede the
// review of the current head.
func (s *Service) Retry(ctx context.Context, owner models.Owner, jobID string) (*Outcome, error) {
	job, err := s.Store.GetReviewJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(job, owner); err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusCancelled {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrNotRetryable)
	}
	if job.CancelReason == SupersededReason {
		return nil, fmt.Errorf("job %s was superseded by a newer revision: %w", jobID, ErrNotRetryable)
	}
	active, err := s.Store.ListActiveReviewJobsForChange(ctx, job.Platform, job.Repo, job.ChangeID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	for _, other := range active {
		if other.HeadSHA != job.HeadSHA {
			return nil, fmt.Errorf("job %s: change has an active job for revision %s: %w", jobID, other.HeadSHA, ErrNotRetryable)
		}
	}
	return s.HandleEvent(ctx, &models.ChangeEvent{
		Owner:         job.Owner,
		IntegrationID: job.IntegrationID,
		Platform:      job.Platform,
		Repo:          job.Repo,
		ChangeID:      job.ChangeID,
		HeadSHA:       job.HeadSHA,
		BaseRef:       job.BaseRef,
		HeadRef:       job.HeadRef,
		Author:        job.Author,
		Title:         job.Title,
		URL:           job.URL,
	})
}

// Dispatch runs the concurrency gate for owner.
func (s *Service) Dispatch(ctx context.Context, owner models.Owner) (dispatch.Result, error) {
	return s.Dispatcher.Dispatch(ctx, owner, "")
}

func (s *Service) redispatch(ctx context.Context, owner models.Owner) {
	if _, err := s.Dispatcher.Dispatch(ctx, owner, ""); err != nil {
		s.Logger.Warn("dispatch after finish", "owner", owner.String(), "error", err)
	}
}

// JobList is one page of an owner's jobs with the owner's current load.
type JobList struct {
	Jobs             []*models.ReviewJob `json:"jobs"`
	Total            int                 `json:"total"`
	ActiveCount      int                 `json:"active_count"`
	ConcurrencyLimit int                 `json:"concurrency_limit"`
}

// ListJobs returns a page of jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, owner models.Owner, limit, offset int) (*JobList, error) {
	jobs, total, err := s.Store.ListReviewJobs(ctx, store.JobListFilter{Owner: owner, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	active, err := s.Store.CountReviewJobs(ctx, owner, models.JobStatusRunning)
	if err != nil {
		return nil, err
	}
	cfg, err := s.Store.GetAgentConfig(ctx, owner, models.AgentTypeReview)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.ReviewJob{}
	}
	return &JobList{Jobs: jobs, Total: total, ActiveCount: active, ConcurrencyLimit: cfg.ConcurrencyLimit}, nil
}

// JobStatus is the polling view of one job.
type JobStatus struct {
	ID              string           `json:"id"`
	Status          models.JobStatus `json:"status"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	CancelReason    string           `json:"cancel_reason,omitempty"`
	WorkerSessionID string           `json:"worker_session_id,omitempty"`
}

// GetJobStatus returns the status of one of owner's jobs.
func (s *Service) GetJobStatus(ctx context.Context, owner models.Owner, jobID string) (*JobStatus, error) {
	job, err := s.Store.GetReviewJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(job, owner); err != nil {
		return nil, err
	}
	return &JobStatus{
		ID:              job.ID,
		Status:          job.Status,
		Result:          job.Result,
		Error:           job.Error,
		CancelReason:    job.CancelReason,
		WorkerSessionID: job.WorkerSessionID,
	}, nil
}
