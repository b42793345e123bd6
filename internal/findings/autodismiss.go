package findings

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
)

// Eligible reports whether an analysis result meets the auto-dismiss rule:
// a dismiss verdict with confidence at or above the threshold.
func Eligible(result *models.AnalysisResult, threshold models.Confidence) bool {
	if result == nil {
		return false
	}
	return result.Triage.Decision == models.TriageDismiss && result.Triage.Confidence.AtLeast(threshold)
}

// AutoDismiss applies the owner's auto-dismiss policy to a finding with a
// completed analysis. The finding is only marked ignored after the platform
// accepted the dismissal.
func (s *Service) AutoDismiss(ctx context.Context, f *models.Finding) (bool, error) {
	cfg, err := s.Store.GetAgentConfig(ctx, f.Owner, models.AgentTypeAnalysis)
	if err != nil {
		return false, fmt.Errorf("load analysis config: %w", err)
	}
	if !cfg.AutoDismiss.Enabled || f.Status != models.FindingStatusOpen {
		return false, nil
	}
	if f.Analysis.Status != models.JobStatusCompleted || !Eligible(f.Analysis.Result, cfg.AutoDismiss.ConfidenceThreshold) {
		return false, nil
	}
	return s.dismiss(ctx, f, models.IgnoredReasonAutoDismissed, f.Analysis.Result.Triage.Reasoning)
}

// dismiss dismisses upstream first and then locally. On upstream failure
// the error is recorded on the finding and its status is left alone.
func (s *Service) dismiss(ctx context.Context, f *models.Finding, reason, comment string) (bool, error) {
	log := s.Logger.With("owner", f.Owner.String(), "finding_id", f.ID, "repo", f.Repo)

	client, err := s.Platforms.For(ctx, f.IntegrationID)
	if err == nil {
		err = client.DismissAdvisory(ctx, f.Repo, f.SourceID, reason, comment)
	}
	if err != nil {
		if serr := s.Store.SetFindingDismissError(ctx, f.ID, err.Error()); serr != nil {
			log.Error("record dismiss error", "error", serr)
		}
		return false, fmt.Errorf("dismiss upstream: %w", err)
	}

	ok, err := s.Store.MarkFindingIgnored(ctx, f.ID, reason)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.FindingsDismissedCounter.WithLabelValues(reason).Inc()
		log.Info("finding dismissed", "reason", reason)
	}
	return ok, nil
}

// BulkResult aggregates a bulk dismissal.
type BulkResult struct {
	Dismissed int `json:"dismissed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type dismissOutcome struct {
	dismissed bool
	err       error
}

// DismissAllEligible applies the auto-dismiss rule to every open finding of
// owner with a completed analysis. Per-finding failures are counted.
func (s *Service) DismissAllEligible(ctx context.Context, owner models.Owner) (*BulkResult, error) {
	candidates, err := s.Store.ListAutoDismissCandidates(ctx, owner)
	if err != nil {
		return nil, err
	}
	cfg, err := s.Store.GetAgentConfig(ctx, owner, models.AgentTypeAnalysis)
	if err != nil {
		return nil, fmt.Errorf("load analysis config: %w", err)
	}

	res := &BulkResult{}
	if !cfg.AutoDismiss.Enabled {
		res.Skipped = len(candidates)
		return res, nil
	}

	p := pool.NewWithResults[dismissOutcome]().WithMaxGoroutines(4)
	for _, f := range candidates {
		if !Eligible(f.Analysis.Result, cfg.AutoDismiss.ConfidenceThreshold) {
			res.Skipped++
			continue
		}
		p.Go(func() dismissOutcome {
			ok, err := s.dismiss(ctx, f, models.IgnoredReasonAutoDismissed, f.Analysis.Result.Triage.Reasoning)
			return dismissOutcome{dismissed: ok, err: err}
		})
	}
	for _, o := range p.Wait() {
		switch {
		case o.err != nil:
			res.Errors++
		case o.dismissed:
			res.Dismissed++
		default:
			res.Skipped++
		}
	}
	s.Logger.Info("bulk auto-dismiss finished", "owner", owner.String(),
		"dismissed", res.Dismissed, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}
