// Package findings reconciles externally sourced vulnerability findings and
// drives their analyses and dismissal.
package findings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

// Kind labels finding analyses in logs and metrics.
const Kind = "analysis"

var (
	ErrConcurrencyLimit   = errors.New("analysis concurrency limit reached")
	ErrAgentDisabled      = errors.New("analysis agent is disabled")
	ErrNoToken            = platform.ErrNoToken
	ErrFindingNotFound    = errors.New("finding not found")
	ErrNotOwner           = errors.New("finding belongs to another owner")
	ErrAnalysisInProgress = errors.New("analysis already pending or running")
	ErrNoIntegration      = errors.New("owner has no enabled integration")
	ErrFindingNotOpen     = errors.New("finding is not open")
)

// FindingStore is the persistence the findings package needs.
type FindingStore interface {
	GetAgentConfig(ctx context.Context, owner models.Owner, agent models.AgentType) (*models.OwnerAgentConfig, error)
	ListIntegrations(ctx context.Context, owner models.Owner) ([]*models.Integration, error)

	CreateFinding(ctx context.Context, f *models.Finding) error
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
	ListFindings(ctx context.Context, filter store.FindingListFilter) ([]*models.Finding, int, error)
	UpdateFindingSync(ctx context.Context, f *models.Finding, from models.FindingStatus) (bool, error)
	MarkFindingIgnored(ctx context.Context, id, reason string) (bool, error)
	SetFindingDismissError(ctx context.Context, id, msg string) error
	ListFindingRepos(ctx context.Context, owner models.Owner) ([]string, error)
	DeleteFindingsForRepos(ctx context.Context, owner models.Owner, repos []string) (int64, error)

	RequestAnalysis(ctx context.Context, findingID, model string, at time.Time) (bool, error)
	CountAnalyses(ctx context.Context, owner models.Owner, statuses ...models.JobStatus) (int, error)
	ListPendingAnalysisIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error)
	ClaimAnalysis(ctx context.Context, owner models.Owner, findingID string, limit int, at time.Time) (bool, error)
	SetAnalysisSession(ctx context.Context, findingID, sessionID string) (bool, error)
	ReleaseAnalysis(ctx context.Context, findingID string) (bool, error)
	TransitionAnalysis(ctx context.Context, findingID string, to models.JobStatus, upd store.AnalysisUpdate) (bool, error)
	GetFindingByAnalysisSession(ctx context.Context, sessionID string) (*models.Finding, error)
	ListOwnersWithPendingAnalyses(ctx context.Context) ([]models.Owner, error)
	ListStaleAnalyses(ctx context.Context, startedBefore time.Time) ([]*models.Finding, error)
	ListAutoDismissCandidates(ctx context.Context, owner models.Owner) ([]*models.Finding, error)
}

// Platforms resolves authenticated platform clients.
type Platforms interface {
	For(ctx context.Context, integrationID string) (platform.Client, error)
	ForIntegration(ctx context.Context, in *models.Integration) (platform.Client, error)
}

// AnalysisWorker starts and cancels analysis sessions.
type AnalysisWorker interface {
	StartAnalysis(ctx context.Context, f *models.Finding, model string) (string, error)
	Cancel(ctx context.Context, sessionID, reason string) error
}

// Service is the finding command and query surface.
type Service struct {
	Store      FindingStore
	Platforms  Platforms
	Worker     AnalysisWorker
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time

	// SyncParallelism bounds concurrent repository fetches.
	SyncParallelism int
}

// NewService wires a Service and its analysis dispatcher.
func NewService(st FindingStore, platforms Platforms, w AnalysisWorker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		Store:           st,
		Platforms:       platforms,
		Worker:          w,
		Logger:          logger,
		Now:             time.Now,
		SyncParallelism: 4,
	}
	s.Dispatcher = dispatch.New(s.Queue(), logger)
	return s
}

// SetNow overrides the clock for the service and its dispatcher.
func (s *Service) SetNow(now func() time.Time) {
	s.Now = now
	s.Dispatcher.Now = now
}

// getOwned loads a finding and checks it belongs to owner.
func (s *Service) getOwned(ctx context.Context, owner models.Owner, id string) (*models.Finding, error) {
	f, err := s.Store.GetFinding(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding %s: %w", id, ErrFindingNotFound)
	}
	if err != nil {
		return nil, err
	}
	if f.Owner != owner {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotOwner)
	}
	return f, nil
}

// GetFinding returns one of owner's findings.
func (s *Service) GetFinding(ctx context.Context, owner models.Owner, id string) (*models.Finding, error) {
	return s.getOwned(ctx, owner, id)
}

// FindingList is one page of findings.
type FindingList struct {
	Findings []*models.Finding `json:"findings"`
	Total    int               `json:"total"`
}

// ListFindings returns owner's findings matching filter.
func (s *Service) ListFindings(ctx context.Context, owner models.Owner, filter store.FindingListFilter) (*FindingList, error) {
	filter.Owner = owner
	list, total, err := s.Store.ListFindings(ctx, filter)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Finding{}
	}
	return &FindingList{Findings: list, Total: total}, nil
}
