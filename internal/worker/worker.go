// Package worker runs reviews and finding analyses, either in-process or on
// a remote worker pool, and reports results through completion callbacks.
package worker

import (
	"context"

	"github.com/joescharf/reviewd/internal/models"
)

// Worker is the capability the orchestration core drives. Start methods
// return a session handle immediately; results arrive later via callbacks.
type Worker interface {
	StartReview(ctx context.Context, job *models.ReviewJob) (string, error)
	StartAnalysis(ctx context.Context, f *models.Finding, model string) (string, error)
	Cancel(ctx context.Context, sessionID, reason string) error
}

// ReviewCallback receives a finished review session.
type ReviewCallback func(ctx context.Context, sessionID, result, errMsg string) error

// AnalysisCallback receives a finished analysis session.
type AnalysisCallback func(ctx context.Context, sessionID string, result *models.AnalysisResult, errMsg string) error
