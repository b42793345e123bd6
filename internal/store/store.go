package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
)

// JobListFilter specifies filters for listing review jobs.
type JobListFilter struct {
	Owner    models.Owner
	Statuses []models.JobStatus
	Repo     string
	Limit    int
	Offset   int
}

// FindingListFilter specifies filters for listing findings.
type FindingListFilter struct {
	Owner          models.Owner
	Repo           string
	Source         string
	Status         models.FindingStatus
	Severity       models.Severity
	AnalysisStatus models.JobStatus
	Limit          int
	Offset         int
}

// JobUpdate carries the fields written alongside a review job transition.
type JobUpdate struct {
	At           time.Time
	Result       string
	Error        string
	CancelReason string
}

// AnalysisUpdate carries the fields written alongside an analysis transition.
type AnalysisUpdate struct {
	At     time.Time
	Result *models.AnalysisResult
	Error  string
}

// Store defines the persistence interface for reviewd.
type Store interface {
	// Integrations
	CreateIntegration(ctx context.Context, in *models.Integration) error
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetIntegrationByInstallation(ctx context.Context, platform models.Platform, installationID string) (*models.Integration, error)
	ListIntegrations(ctx context.Context, owner models.Owner) ([]*models.Integration, error)

	// Agent configs
	GetAgentConfig(ctx context.Context, owner models.Owner, agent models.AgentType) (*models.OwnerAgentConfig, error)
	SaveAgentConfig(ctx context.Context, cfg *models.OwnerAgentConfig) error

	// Review jobs
	CreateReviewJob(ctx context.Context, job *models.ReviewJob) error
	GetReviewJob(ctx context.Context, id string) (*models.ReviewJob, error)
	GetReviewJobBySession(ctx context.Context, sessionID string) (*models.ReviewJob, error)
	ListReviewJobs(ctx context.Context, filter JobListFilter) ([]*models.ReviewJob, int, error)
	ListActiveReviewJobsForChange(ctx context.Context, platform models.Platform, repo string, changeID int) ([]*models.ReviewJob, error)
	CountReviewJobs(ctx context.Context, owner models.Owner, statuses ...models.JobStatus) (int, error)
	ListPendingReviewJobIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error)
	ClaimReviewJob(ctx context.Context, owner models.Owner, id string, limit int, at time.Time) (bool, error)
	SetReviewJobSession(ctx context.Context, id, sessionID string) (bool, error)
	ReleaseReviewJob(ctx context.Context, id string) (bool, error)
	TransitionReviewJob(ctx context.Context, id string, to models.JobStatus, upd JobUpdate) (bool, error)
	ListOwnersWithPendingReviewJobs(ctx context.Context) ([]models.Owner, error)
	ListStaleReviewJobs(ctx context.Context, startedBefore time.Time) ([]*models.ReviewJob, error)

	// Findings
	CreateFinding(ctx context.Context, f *models.Finding) error
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
	ListFindings(ctx context.Context, filter FindingListFilter) ([]*models.Finding, int, error)
	UpdateFindingSync(ctx context.Context, f *models.Finding, from models.FindingStatus) (bool, error)
	MarkFindingIgnored(ctx context.Context, id, reason string) (bool, error)
	SetFindingDismissError(ctx context.Context, id, msg string) error
	ListFindingRepos(ctx context.Context, owner models.Owner) ([]string, error)
	DeleteFindingsForRepos(ctx context.Context, owner models.Owner, repos []string) (int64, error)

	// Finding analyses
	RequestAnalysis(ctx context.Context, findingID, model string, at time.Time) (bool, error)
	CountAnalyses(ctx context.Context, owner models.Owner, statuses ...models.JobStatus) (int, error)
	ListPendingAnalysisIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error)
	ClaimAnalysis(ctx context.Context, owner models.Owner, findingID string, limit int, at time.Time) (bool, error)
	SetAnalysisSession(ctx context.Context, findingID, sessionID string) (bool, error)
	ReleaseAnalysis(ctx context.Context, findingID string) (bool, error)
	TransitionAnalysis(ctx context.Context, findingID string, to models.JobStatus, upd AnalysisUpdate) (bool, error)
	GetFindingByAnalysisSession(ctx context.Context, sessionID string) (*models.Finding, error)
	ListOwnersWithPendingAnalyses(ctx context.Context) ([]models.Owner, error)
	ListStaleAnalyses(ctx context.Context, startedBefore time.Time) ([]*models.Finding, error)
	ListAutoDismissCandidates(ctx context.Context, owner models.Owner) ([]*models.Finding, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
