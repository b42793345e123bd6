package findings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// TimedOutError is recorded on running analyses the sweeper gives up on.
const TimedOutError = "worker timed out"

// StartResult reports a direct analysis start.
type StartResult struct {
	Started         bool   `json:"started"`
	FindingID       string `json:"finding_id"`
	WorkerSessionID string `json:"worker_session_id,omitempty"`
}

// StartAnalysis admits an analysis for one finding immediately or fails with
// a precondition error. It never leaves work queued behind a full limit.
func (s *Service) StartAnalysis(ctx context.Context, owner models.Owner, findingID, model string) (*StartResult, error) {
	f, err := s.getOwned(ctx, owner, findingID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.Store.GetAgentConfig(ctx, owner, models.AgentTypeAnalysis)
	if err != nil {
		return nil, fmt.Errorf("load analysis config: %w", err)
	}
	if !cfg.Enabled {
		return nil, ErrAgentDisabled
	}
	if _, err := s.Platforms.For(ctx, f.IntegrationID); err != nil {
		if errors.Is(err, ErrNoToken) || errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("finding %s: %w", findingID, ErrNoToken)
		}
		return nil, fmt.Errorf("resolve integration: %w", err)
	}
	if f.Analysis.Status == models.JobStatusPending || f.Analysis.Status == models.JobStatusRunning {
		return nil, fmt.Errorf("finding %s: %w", findingID, ErrAnalysisInProgress)
	}

	running, err := s.Store.CountAnalyses(ctx, owner, models.JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("count analyses: %w", err)
	}
	if running >= cfg.ConcurrencyLimit {
		return nil, fmt.Errorf("%d of %d running: %w", running, cfg.ConcurrencyLimit, ErrConcurrencyLimit)
	}

	if model == "" {
		model = cfg.Model
	}
	ok, err := s.Store.RequestAnalysis(ctx, findingID, model, s.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("finding %s: %w", findingID, ErrAnalysisInProgress)
	}

	_, derr := s.Dispatcher.Dispatch(ctx, owner, findingID)
	f, err = s.Store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if f.Analysis.Status == models.JobStatusPending {
		if derr != nil {
			// Released by the dispatcher; the sweeper retries it.
			return nil, fmt.Errorf("start analysis: %w", derr)
		}
		// A concurrent start took the last slot between the check and the claim.
		if _, err := s.Store.TransitionAnalysis(ctx, findingID, models.JobStatusCancelled, store.AnalysisUpdate{
			At:    s.Now(),
			Error: ErrConcurrencyLimit.Error(),
		}); err != nil {
			s.Logger.Error("cancel unadmitted analysis", "finding_id", findingID, "error", err)
		}
		return nil, fmt.Errorf("finding %s: %w", findingID, ErrConcurrencyLimit)
	}
	if derr != nil {
		s.Logger.Warn("dispatch after analysis start", "owner", owner.String(), "error", derr)
	}

	s.Logger.Info("analysis started", "owner", owner.String(), "finding_id", findingID, "session", f.Analysis.WorkerSessionID)
	return &StartResult{Started: true, FindingID: findingID, WorkerSessionID: f.Analysis.WorkerSessionID}, nil
}

// QueueAnalyses requests an analysis for every open finding of owner that
// was never analysed and lets the dispatcher admit them in request order.
func (s *Service) QueueAnalyses(ctx context.Context, owner models.Owner, repo string) (int, dispatch.Result, error) {
	cfg, err := s.Store.GetAgentConfig(ctx, owner, models.AgentTypeAnalysis)
	if err != nil {
		return 0, dispatch.Result{}, fmt.Errorf("load analysis config: %w", err)
	}
	if !cfg.Enabled {
		return 0, dispatch.Result{}, ErrAgentDisabled
	}

	open, _, err := s.Store.ListFindings(ctx, store.FindingListFilter{Owner: owner, Repo: repo, Status: models.FindingStatusOpen})
	if err != nil {
		return 0, dispatch.Result{}, err
	}
	queued := 0
	for _, f := range open {
		if f.Analysis.Status != "" {
			continue
		}
		ok, err := s.Store.RequestAnalysis(ctx, f.ID, cfg.Model, s.Now())
		if err != nil {
			return queued, dispatch.Result{}, err
		}
		if ok {
			queued++
		}
	}

	res, err := s.Dispatcher.Dispatch(ctx, owner, "")
	if err != nil {
		s.Logger.Warn("dispatch queued analyses", "owner", owner.String(), "error", err)
	}
	return queued, res, nil
}

// CompleteAnalysis stores a worker result, applies auto-dismiss and reuses
// the freed slot.
func (s *Service) CompleteAnalysis(ctx context.Context, findingID string, result *models.AnalysisResult) error {
	f, err := s.Store.GetFinding(ctx, findingID)
	if err != nil {
		return err
	}
	ok, err := s.transition(ctx, findingID, models.JobStatusCompleted, store.AnalysisUpdate{At: s.Now(), Result: result})
	if err != nil || !ok {
		return err
	}

	f.Analysis.Status = models.JobStatusCompleted
	f.Analysis.Result = result
	if _, err := s.AutoDismiss(ctx, f); err != nil {
		s.Logger.Warn("auto-dismiss", "finding_id", findingID, "error", err)
	}
	s.redispatch(ctx, f.Owner)
	return nil
}

// FailAnalysis records a worker failure.
func (s *Service) FailAnalysis(ctx context.Context, findingID, msg string) error {
	f, err := s.Store.GetFinding(ctx, findingID)
	if err != nil {
		return err
	}
	ok, err := s.transition(ctx, findingID, models.JobStatusFailed, store.AnalysisUpdate{At: s.Now(), Error: msg})
	if err != nil || !ok {
		return err
	}
	s.redispatch(ctx, f.Owner)
	return nil
}

// CompleteSession resolves a callback addressed by worker session id.
func (s *Service) CompleteSession(ctx context.Context, sessionID string, result *models.AnalysisResult, errMsg string) error {
	f, err := s.Store.GetFindingByAnalysisSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if errMsg != "" {
		return s.FailAnalysis(ctx, f.ID, errMsg)
	}
	return s.CompleteAnalysis(ctx, f.ID, result)
}

// Dispatch runs the analysis concurrency gate for owner.
func (s *Service) Dispatch(ctx context.Context, owner models.Owner) (dispatch.Result, error) {
	return s.Dispatcher.Dispatch(ctx, owner, "")
}

func (s *Service) redispatch(ctx context.Context, owner models.Owner) {
	if _, err := s.Dispatcher.Dispatch(ctx, owner, ""); err != nil {
		s.Logger.Warn("dispatch after analysis finished", "owner", owner.String(), "error", err)
	}
}

// transition applies a guarded analysis status change, logging rejected
// transitions as contract violations.
func (s *Service) transition(ctx context.Context, findingID string, to models.JobStatus, upd store.AnalysisUpdate) (bool, error) {
	ok, err := s.Store.TransitionAnalysis(ctx, findingID, to, upd)
	if err != nil {
		return false, fmt.Errorf("transition analysis %s: %w", findingID, err)
	}
	if ok {
		metrics.JobsFinishedCounter.WithLabelValues(Kind, string(to)).Inc()
		return true, nil
	}
	f, err := s.Store.GetFinding(ctx, findingID)
	if err != nil {
		return false, err
	}
	metrics.ContractViolationsCounter.WithLabelValues(Kind).Inc()
	s.Logger.Warn("contract violation: rejected transition",
		"finding_id", findingID, "from", f.Analysis.Status, "to", to)
	return false, nil
}

// analysisQueue adapts finding analyses to the dispatcher.
type analysisQueue struct {
	s *Service
}

var _ dispatch.Lane = analysisQueue{}

// Queue returns the dispatch lane for analyses.
func (s *Service) Queue() dispatch.Lane {
	return analysisQueue{s: s}
}

func (q analysisQueue) Kind() string { return Kind }

func (q analysisQueue) Limit(ctx context.Context, owner models.Owner) (int, error) {
	cfg, err := q.s.Store.GetAgentConfig(ctx, owner, models.AgentTypeAnalysis)
	if err != nil {
		return 0, err
	}
	return cfg.ConcurrencyLimit, nil
}

func (q analysisQueue) CountRunning(ctx context.Context, owner models.Owner) (int, error) {
	return q.s.Store.CountAnalyses(ctx, owner, models.JobStatusRunning)
}

func (q analysisQueue) CountPending(ctx context.Context, owner models.Owner) (int, error) {
	return q.s.Store.CountAnalyses(ctx, owner, models.JobStatusPending)
}

func (q analysisQueue) PendingIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error) {
	return q.s.Store.ListPendingAnalysisIDs(ctx, owner, limit)
}

func (q analysisQueue) Claim(ctx context.Context, owner models.Owner, id string, limit int, at time.Time) (bool, error) {
	return q.s.Store.ClaimAnalysis(ctx, owner, id, limit, at)
}

func (q analysisQueue) Start(ctx context.Context, id string) (string, error) {
	f, err := q.s.Store.GetFinding(ctx, id)
	if err != nil {
		return "", err
	}
	return q.s.Worker.StartAnalysis(ctx, f, f.Analysis.Model)
}

func (q analysisQueue) Attach(ctx context.Context, id, sessionID string) (bool, error) {
	return q.s.Store.SetAnalysisSession(ctx, id, sessionID)
}

func (q analysisQueue) Cancel(ctx context.Context, sessionID, reason string) error {
	return q.s.Worker.Cancel(ctx, sessionID, reason)
}

func (q analysisQueue) Release(ctx context.Context, id string) error {
	_, err := q.s.Store.ReleaseAnalysis(ctx, id)
	return err
}

func (q analysisQueue) OwnersWithPending(ctx context.Context) ([]models.Owner, error) {
	return q.s.Store.ListOwnersWithPendingAnalyses(ctx)
}

// FailStale fails running analyses whose worker never reported back.
func (q analysisQueue) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := q.s.Store.ListStaleAnalyses(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale analyses: %w", err)
	}
	n := 0
	for _, f := range stale {
		ok, err := q.s.transition(ctx, f.ID, models.JobStatusFailed, store.AnalysisUpdate{At: q.s.Now(), Error: TimedOutError})
		if err != nil {
			q.s.Logger.Error("fail stale analysis", "finding_id", f.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		n++
		if f.Analysis.WorkerSessionID != "" {
			if err := q.s.Worker.Cancel(ctx, f.Analysis.WorkerSessionID, TimedOutError); err != nil {
				q.s.Logger.Warn("worker cancel failed", "finding_id", f.ID, "error", err)
			}
		}
	}
	return n, nil
}
