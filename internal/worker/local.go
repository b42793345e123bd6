package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/joescharf/reviewd/internal/llm"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

// TimedOutError is reported when a session exceeds its timeout.
const TimedOutError = "worker timed out"

// Reviewer produces a review for a diff.
type Reviewer interface {
	ReviewChange(ctx context.Context, in llm.ReviewInput) (*llm.Review, error)
}

// Analyzer runs the two analysis tiers.
type Analyzer interface {
	Triage(ctx context.Context, f *models.Finding, model string) (*models.TriageVerdict, error)
	DeepAnalyze(ctx context.Context, f *models.Finding, triage *models.TriageVerdict, repoContext string) (*models.DeepVerdict, error)
}

// Platforms resolves the platform client for an integration.
type Platforms interface {
	For(ctx context.Context, integrationID string) (platform.Client, error)
}

// Local runs sessions as goroutines in the serving process.
type Local struct {
	Reviewer   Reviewer
	Analyzer   Analyzer
	Platforms  Platforms
	OnReview   ReviewCallback
	OnAnalysis AnalysisCallback
	Logger     *slog.Logger

	// Timeout bounds one session.
	Timeout time.Duration
	// CallbackRetries and CallbackDelay cover a callback arriving before
	// the dispatcher recorded the session id.
	CallbackRetries int
	CallbackDelay   time.Duration

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
	wg       sync.WaitGroup
}

var _ Worker = (*Local)(nil)

// NewLocal creates a local worker. Callbacks are set by the caller once the
// services that receive them exist.
func NewLocal(client *llm.Client, platforms Platforms, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		Reviewer:        client,
		Analyzer:        client,
		Platforms:       platforms,
		Logger:          logger,
		Timeout:         10 * time.Minute,
		CallbackRetries: 5,
		CallbackDelay:   200 * time.Millisecond,
		sessions:        map[string]context.CancelFunc{},
	}
}

func (l *Local) start(run func(ctx context.Context, sessionID string)) string {
	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)

	l.mu.Lock()
	if l.sessions == nil {
		l.sessions = map[string]context.CancelFunc{}
	}
	l.sessions[id] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.forget(id)
		run(ctx, id)
	}()
	return id
}

func (l *Local) forget(id string) {
	l.mu.Lock()
	cancel, ok := l.sessions[id]
	delete(l.sessions, id)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// StartReview fetches the change diff, reviews it and posts the review as a
// comment on the change.
func (l *Local) StartReview(_ context.Context, job *models.ReviewJob) (string, error) {
	if l.Reviewer == nil {
		return "", errors.New("local worker: no reviewer configured")
	}
	j := *job
	return l.start(func(ctx context.Context, id string) {
		summary, err := l.review(ctx, &j)
		if cancelled(ctx) {
			l.Logger.Info("review session cancelled", "session", id, "job_id", j.ID)
			return
		}
		l.deliver(id, func(cctx context.Context) error {
			return l.OnReview(cctx, id, summary, errMessage(ctx, err))
		})
	}), nil
}

func (l *Local) review(ctx context.Context, job *models.ReviewJob) (string, error) {
	client, err := l.Platforms.For(ctx, job.IntegrationID)
	if err != nil {
		return "", err
	}
	diff, err := client.ChangeDiff(ctx, job.Repo, job.ChangeID)
	if err != nil {
		return "", fmt.Errorf("fetch diff: %w", err)
	}
	r, err := l.Reviewer.ReviewChange(ctx, llm.ReviewInput{Repo: job.Repo, Title: job.Title, Author: job.Author, Diff: diff})
	if err != nil {
		return "", err
	}
	if err := client.PostComment(ctx, job.Repo, job.ChangeID, formatReview(r, job.HeadSHA)); err != nil {
		return "", fmt.Errorf("post review: %w", err)
	}
	return fmt.Sprintf("[%s] %s", r.Risk, r.Summary), nil
}

// formatReview renders the comment posted on the change.
func formatReview(r *llm.Review, sha string) string {
	var sb strings.Builder
	sb.WriteString("## Automated review")
	if len(sha) >= 7 {
		fmt.Fprintf(&sb, " for `%s`", sha[:7])
	}
	sb.WriteString("\n\n")
	if r.Summary != "" {
		fmt.Fprintf(&sb, "**Summary:** %s\n\n", r.Summary)
	}
	if r.Risk != "" {
		fmt.Fprintf(&sb, "**Risk:** %s\n\n", r.Risk)
	}
	if len(r.Issues) > 0 {
		sb.WriteString("**Issues:**\n")
		for _, i := range r.Issues {
			fmt.Fprintf(&sb, "- %s\n", i)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(r.Body)
	return strings.TrimSpace(sb.String()) + "\n"
}

// StartAnalysis runs triage and, when triage asks for it, the deep tier.
func (l *Local) StartAnalysis(_ context.Context, f *models.Finding, model string) (string, error) {
	if l.Analyzer == nil {
		return "", errors.New("local worker: no analyzer configured")
	}
	finding := *f
	return l.start(func(ctx context.Context, id string) {
		result, err := l.analyze(ctx, &finding, model)
		if cancelled(ctx) {
			l.Logger.Info("analysis session cancelled", "session", id, "finding_id", finding.ID)
			return
		}
		l.deliver(id, func(cctx context.Context) error {
			return l.OnAnalysis(cctx, id, result, errMessage(ctx, err))
		})
	}), nil
}

func (l *Local) analyze(ctx context.Context, f *models.Finding, model string) (*models.AnalysisResult, error) {
	triage, err := l.Analyzer.Triage(ctx, f, model)
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}
	result := &models.AnalysisResult{Triage: *triage}
	if !triage.NeedsDeeperAnalysis {
		return result, nil
	}
	deep, err := l.Analyzer.DeepAnalyze(ctx, f, triage, "")
	if err != nil {
		return nil, fmt.Errorf("deep analysis: %w", err)
	}
	result.Deep = deep
	return result, nil
}

// deliver invokes a completion callback, retrying while the session is not
// yet attached to its row.
func (l *Local) deliver(id string, call func(ctx context.Context) error) {
	b := retry.WithMaxRetries(uint64(max(0, l.CallbackRetries)), retry.NewConstant(max(time.Millisecond, l.CallbackDelay)))
	err := retry.Do(context.Background(), b, func(ctx context.Context) error {
		err := call(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		l.Logger.Error("completion callback failed", "session", id, "error", err)
	}
}

// Cancel stops a running session. Unknown sessions already finished.
func (l *Local) Cancel(_ context.Context, sessionID, reason string) error {
	l.mu.Lock()
	cancel, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.Logger.Debug("cancelling session", "session", sessionID, "reason", reason)
	cancel()
	return nil
}

// Active returns the number of running sessions.
func (l *Local) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Shutdown cancels every session and waits for them to exit.
func (l *Local) Shutdown() {
	l.mu.Lock()
	for id, cancel := range l.sessions {
		cancel()
		delete(l.sessions, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Wait blocks until every started session has returned.
func (l *Local) Wait() {
	l.wg.Wait()
}

func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func errMessage(ctx context.Context, err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TimedOutError
	}
	return err.Error()
}
