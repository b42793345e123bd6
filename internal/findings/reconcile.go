package findings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

// RepoResult is the outcome of syncing one repository.
type RepoResult struct {
	Repo     string `json:"repo"`
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Fixed    int    `json:"fixed"`
	Reopened int    `json:"reopened"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
	err      error
}

// SyncResult aggregates a sync over one or more repositories.
type SyncResult struct {
	Synced int          `json:"synced"`
	Errors int          `json:"errors"`
	Repos  []RepoResult `json:"repos"`
}

func (r *SyncResult) add(rr RepoResult) {
	r.Repos = append(r.Repos, rr)
	if rr.err != nil {
		r.Errors++
		metrics.FindingSyncCounter.WithLabelValues("error").Inc()
		return
	}
	r.Synced++
	metrics.FindingSyncCounter.WithLabelValues("synced").Inc()
}

// Sync reconciles findings for owner. With repo empty every selected
// repository of every enabled integration is synced. A failing repository
// is counted and does not stop the others.
func (s *Service) Sync(ctx context.Context, owner models.Owner, repo string) (*SyncResult, error) {
	integrations, err := s.enabledIntegrations(ctx, owner)
	if err != nil {
		return nil, err
	}
	cfg, err := s.Store.GetAgentConfig(ctx, owner, models.AgentTypeAnalysis)
	if err != nil {
		return nil, fmt.Errorf("load analysis config: %w", err)
	}

	res := &SyncResult{}
	if repo != "" {
		integrations = []*models.Integration{integrationFor(integrations, repo)}
	}
	for _, in := range integrations {
		client, err := s.Platforms.ForIntegration(ctx, in)
		if err != nil {
			s.Logger.Warn("sync: platform client", "owner", owner.String(), "integration", in.ID, "error", err)
			res.add(RepoResult{Repo: repo, Error: err.Error(), err: err})
			continue
		}

		repos := []string{repo}
		if repo == "" {
			all, err := client.ListRepos(ctx)
			if err != nil {
				s.Logger.Warn("sync: list repos", "owner", owner.String(), "integration", in.ID, "error", err)
				res.add(RepoResult{Error: err.Error(), err: err})
				continue
			}
			repos = repos[:0]
			for _, r := range all {
				if cfg.RepoSelected(r) {
					repos = append(repos, r)
				}
			}
		}

		p := pool.NewWithResults[RepoResult]().WithMaxGoroutines(max(1, s.SyncParallelism))
		for _, r := range repos {
			p.Go(func() RepoResult {
				return s.syncRepo(ctx, in, client, cfg, r)
			})
		}
		for _, rr := range p.Wait() {
			res.add(rr)
		}
	}

	s.Logger.Info("finding sync finished", "owner", owner.String(), "synced", res.Synced, "errors", res.Errors)
	return res, nil
}

func (s *Service) enabledIntegrations(ctx context.Context, owner models.Owner) ([]*models.Integration, error) {
	all, err := s.Store.ListIntegrations(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	var enabled []*models.Integration
	for _, in := range all {
		if in.Enabled {
			enabled = append(enabled, in)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%s: %w", owner, ErrNoIntegration)
	}
	return enabled, nil
}

// integrationFor picks the integration whose account namespace owns repo,
// falling back to the first one.
func integrationFor(integrations []*models.Integration, repo string) *models.Integration {
	for _, in := range integrations {
		if in.Account != "" && strings.HasPrefix(repo, in.Account+"/") {
			return in
		}
	}
	return integrations[0]
}

func sourceFor(p models.Platform) string {
	if p == models.PlatformGitLab {
		return platform.GitLabSource
	}
	return platform.GitHubSource
}

// syncRepo reconciles one repository's advisories with local findings.
func (s *Service) syncRepo(ctx context.Context, in *models.Integration, client platform.Client, cfg *models.OwnerAgentConfig, repo string) RepoResult {
	rr := RepoResult{Repo: repo}
	log := s.Logger.With("owner", in.Owner.String(), "repo", repo)
	fail := func(err error) RepoResult {
		log.Warn("sync repo failed", "error", err)
		rr.err = err
		rr.Error = err.Error()
		if errors.Is(err, platform.ErrPermission) {
			var perr *platform.PermissionError
			if errors.As(err, &perr) {
				rr.Error += " (" + perr.Hint + ")"
			}
		}
		return rr
	}

	advisories, err := client.FetchAdvisories(ctx, repo)
	if err != nil {
		return fail(fmt.Errorf("fetch advisories: %w", err))
	}

	source := sourceFor(in.Platform)
	existing, _, err := s.Store.ListFindings(ctx, store.FindingListFilter{Owner: in.Owner, Repo: repo, Source: source})
	if err != nil {
		return fail(fmt.Errorf("list findings: %w", err))
	}
	byID := make(map[string]*models.Finding, len(existing))
	for _, f := range existing {
		byID[f.SourceID] = f
	}

	now := s.Now().UTC()
	seen := make(map[string]bool, len(advisories))
	for _, adv := range advisories {
		seen[adv.SourceID] = true
		f, ok := byID[adv.SourceID]
		if !ok {
			if adv.State != models.AdvisoryOpen {
				continue
			}
			nf := newFinding(in, source, repo, adv, cfg.SLA, now)
			if err := s.Store.CreateFinding(ctx, nf); err != nil && !errors.Is(err, store.ErrDuplicate) {
				return fail(fmt.Errorf("create finding: %w", err))
			}
			rr.Created++
			continue
		}

		from := f.Status
		change := applyAdvisory(f, adv, cfg.SLA, now)
		f.LastSyncedAt = now
		ok, err := s.Store.UpdateFindingSync(ctx, f, from)
		if err != nil {
			return fail(fmt.Errorf("update finding: %w", err))
		}
		if !ok {
			// Dismissed or otherwise moved locally since the read; the next
			// sync starts from the new status.
			log.Info("finding changed during sync, skipped", "finding", f.ID, "source_id", f.SourceID)
			rr.Skipped++
			continue
		}
		switch change {
		case changeFixed:
			rr.Fixed++
		case changeReopened:
			rr.Reopened++
		case changeUpdated:
			rr.Updated++
		}
	}

	// Open findings the source no longer reports were fixed upstream.
	for _, f := range existing {
		if seen[f.SourceID] || f.Status != models.FindingStatusOpen {
			continue
		}
		f.Status = models.FindingStatusFixed
		f.FixedAt = &now
		f.LastSyncedAt = now
		ok, err := s.Store.UpdateFindingSync(ctx, f, models.FindingStatusOpen)
		if err != nil {
			return fail(fmt.Errorf("update finding: %w", err))
		}
		if !ok {
			rr.Skipped++
			continue
		}
		rr.Fixed++
	}

	log.Debug("repo synced", "created", rr.Created, "updated", rr.Updated, "fixed", rr.Fixed, "reopened", rr.Reopened, "skipped", rr.Skipped)
	return rr
}

func newFinding(in *models.Integration, source, repo string, adv models.Advisory, sla models.SLADays, now time.Time) *models.Finding {
	return &models.Finding{
		Owner:           in.Owner,
		IntegrationID:   in.ID,
		Platform:        in.Platform,
		Repo:            repo,
		Source:          source,
		SourceID:        adv.SourceID,
		Package:         adv.Package,
		Ecosystem:       adv.Ecosystem,
		Summary:         adv.Summary,
		AdvisoryID:      adv.AdvisoryID,
		ManifestPath:    adv.ManifestPath,
		URL:             adv.URL,
		Severity:        adv.Severity,
		Status:          models.FindingStatusOpen,
		SLADueAt:        sla.DueAt(now, adv.Severity),
		FirstDetectedAt: now,
		LastSyncedAt:    now,
	}
}

type syncChange int

const (
	changeNone syncChange = iota
	changeUpdated
	changeFixed
	changeReopened
)

// applyAdvisory folds the source's view of an advisory into f.
func applyAdvisory(f *models.Finding, adv models.Advisory, sla models.SLADays, now time.Time) syncChange {
	change := changeNone

	switch adv.State {
	case models.AdvisoryOpen:
		if f.Status != models.FindingStatusOpen {
			f.Status = models.FindingStatusOpen
			f.FixedAt = nil
			f.IgnoredReason = ""
			change = changeReopened
		}
	case models.AdvisoryFixed:
		if f.Status == models.FindingStatusOpen {
			f.Status = models.FindingStatusFixed
			f.FixedAt = &now
			return changeFixed
		}
		return changeNone
	case models.AdvisoryDismissed:
		if f.Status == models.FindingStatusOpen {
			f.Status = models.FindingStatusIgnored
			f.IgnoredReason = models.IgnoredReasonUpstream
			return changeUpdated
		}
		return changeNone
	}

	if adv.Severity != "" && adv.Severity != f.Severity {
		f.Severity = adv.Severity
		f.SLADueAt = sla.DueAt(f.FirstDetectedAt, adv.Severity)
		if change == changeNone {
			change = changeUpdated
		}
	}
	if adv.Summary != "" && adv.Summary != f.Summary {
		f.Summary = adv.Summary
	}
	if adv.URL != "" {
		f.URL = adv.URL
	}
	return change
}
