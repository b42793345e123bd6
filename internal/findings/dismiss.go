package findings

import (
	"context"
	"fmt"

	"github.com/joescharf/reviewd/internal/models"
)

// DismissFinding dismisses one of owner's findings with a user-supplied
// reason. Dismissing an already ignored finding succeeds without a call.
func (s *Service) DismissFinding(ctx context.Context, owner models.Owner, findingID, reason, comment string) (bool, error) {
	f, err := s.getOwned(ctx, owner, findingID)
	if err != nil {
		return false, err
	}
	switch f.Status {
	case models.FindingStatusIgnored:
		return true, nil
	case models.FindingStatusFixed:
		return false, fmt.Errorf("finding %s is fixed: %w", findingID, ErrFindingNotOpen)
	}
	if reason == "" {
		reason = "tolerable_risk"
	}
	if _, err := s.dismiss(ctx, f, reason, comment); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupResult reports an orphan cleanup.
type CleanupResult struct {
	Repos   []string `json:"repos"`
	Deleted int64    `json:"deleted"`
}

// CleanupOrphans deletes findings of repositories no integration of owner
// can still reach. Nothing is deleted if any integration cannot be listed.
func (s *Service) CleanupOrphans(ctx context.Context, owner models.Owner) (*CleanupResult, error) {
	integrations, err := s.enabledIntegrations(ctx, owner)
	if err != nil {
		return nil, err
	}
	reachable := map[string]bool{}
	for _, in := range integrations {
		client, err := s.Platforms.ForIntegration(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("integration %s: %w", in.ID, err)
		}
		repos, err := client.ListRepos(ctx)
		if err != nil {
			return nil, fmt.Errorf("list repos for integration %s: %w", in.ID, err)
		}
		for _, r := range repos {
			reachable[r] = true
		}
	}

	local, err := s.Store.ListFindingRepos(ctx, owner)
	if err != nil {
		return nil, err
	}
	res := &CleanupResult{Repos: []string{}}
	for _, r := range local {
		if !reachable[r] {
			res.Repos = append(res.Repos, r)
		}
	}
	if len(res.Repos) == 0 {
		return res, nil
	}
	res.Deleted, err = s.Store.DeleteFindingsForRepos(ctx, owner, res.Repos)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("orphaned findings deleted", "owner", owner.String(), "repos", len(res.Repos), "deleted", res.Deleted)
	return res, nil
}
