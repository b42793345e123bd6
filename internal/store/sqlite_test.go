package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

var (
	acme  = models.OrgOwner("acme")
	alice = models.UserOwner("alice")
)

func newJob(owner models.Owner, change int, sha string, created time.Time) *models.ReviewJob {
	return &models.ReviewJob{
		Owner:     owner,
		Platform:  models.PlatformGitHub,
		Repo:      "acme/api",
		ChangeID:  change,
		HeadSHA:   sha,
		Title:     "Add thing",
		CreatedAt: created,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

// --- Integrations ---

func TestIntegrationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &models.Integration{Owner: acme, Platform: models.PlatformGitHub, InstallationID: "42", Account: "acme", Enabled: true}
	require.NoError(t, s.CreateIntegration(ctx, in))
	assert.NotEmpty(t, in.ID)

	got, err := s.GetIntegrationByInstallation(ctx, models.PlatformGitHub, "42")
	require.NoError(t, err)
	assert.Equal(t, acme, got.Owner)
	assert.True(t, got.Enabled)

	err = s.CreateIntegration(ctx, &models.Integration{Owner: alice, Platform: models.PlatformGitHub, InstallationID: "42"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetIntegration(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateIntegration(ctx, &models.Integration{Owner: alice, Platform: models.PlatformGitLab, InstallationID: "7"}))
	all, err := s.ListIntegrations(ctx, models.Owner{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	mine, err := s.ListIntegrations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, models.PlatformGitLab, mine[0].Platform)
}

// --- Agent configs ---

func TestAgentConfig_DefaultsAndSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetAgentConfig(ctx, acme, models.AgentTypeReview)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, models.DefaultConcurrencyLimit, cfg.ConcurrencyLimit)

	cfg.ConcurrencyLimit = 5
	cfg.SelectionMode = models.RepoSelectionSelected
	cfg.SelectedRepos = []string{"acme/api"}
	cfg.AutoDismiss = models.AutoDismissConfig{Enabled: true, ConfidenceThreshold: models.ConfidenceMedium}
	require.NoError(t, s.SaveAgentConfig(ctx, cfg))

	got, err := s.GetAgentConfig(ctx, acme, models.AgentTypeReview)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ConcurrencyLimit)
	assert.Equal(t, []string{"acme/api"}, got.SelectedRepos)
	assert.True(t, got.AutoDismiss.Enabled)
	assert.Equal(t, models.ConfidenceMedium, got.AutoDismiss.ConfidenceThreshold)

	// Saving again updates in place.
	got.Enabled = false
	require.NoError(t, s.SaveAgentConfig(ctx, got))
	again, err := s.GetAgentConfig(ctx, acme, models.AgentTypeReview)
	require.NoError(t, err)
	assert.False(t, again.Enabled)

	other, err := s.GetAgentConfig(ctx, acme, models.AgentTypeAnalysis)
	require.NoError(t, err)
	assert.True(t, other.Enabled, "agent types are configured independently")
}

// --- Review jobs ---

func TestReviewJob_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob(acme, 7, "abc", time.Time{})
	require.NoError(t, s.CreateReviewJob(ctx, j))
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, models.JobStatusPending, j.Status)

	got, err := s.GetReviewJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, acme, got.Owner)
	assert.Equal(t, 7, got.ChangeID)
	assert.Equal(t, "abc", got.HeadSHA)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetReviewJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReviewJob_ActiveRevisionIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newJob(acme, 7, "abc", time.Time{})
	require.NoError(t, s.CreateReviewJob(ctx, first))

	err := s.CreateReviewJob(ctx, newJob(acme, 7, "abc", time.Time{}))
	assert.ErrorIs(t, err, ErrDuplicate)

	// A different revision of the same change is allowed.
	require.NoError(t, s.CreateReviewJob(ctx, newJob(acme, 7, "def", time.Time{})))

	// Once the first job is terminal the same revision can be queued again.
	ok, err := s.TransitionReviewJob(ctx, first.ID, models.JobStatusCancelled, JobUpdate{CancelReason: "manual"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, s.CreateReviewJob(ctx, newJob(acme, 7, "abc", time.Time{})))
}

func TestClaimReviewJob_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		j := newJob(acme, i+1, "sha", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.CreateReviewJob(ctx, j))
		ids = append(ids, j.ID)
	}

	pending, err := s.ListPendingReviewJobIDs(ctx, acme, 0)
	require.NoError(t, err)
	assert.Equal(t, ids, pending, "FIFO by creation")

	ok, err := s.ClaimReviewJob(ctx, acme, ids[0], 2, base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimReviewJob(ctx, acme, ids[1], 2, base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimReviewJob(ctx, acme, ids[2], 2, base)
	require.NoError(t, err)
	assert.False(t, ok, "limit reached")

	// Claiming an already-running job is a no-op.
	ok, err = s.ClaimReviewJob(ctx, acme, ids[0], 10, base)
	require.NoError(t, err)
	assert.False(t, ok)

	running, err := s.CountReviewJobs(ctx, acme, models.JobStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 2, running)

	// Another owner's jobs don't count against acme.
	other := newJob(alice, 99, "sha", base)
	other.Repo = "alice/dots"
	require.NoError(t, s.CreateReviewJob(ctx, other))
	ok, err = s.ClaimReviewJob(ctx, alice, other.ID, 1, base)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := s.ReleaseReviewJob(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, released)
	got, err := s.GetReviewJob(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestTransitionReviewJob_Conditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	j := newJob(acme, 1, "sha", now)
	require.NoError(t, s.CreateReviewJob(ctx, j))

	// pending -> completed is illegal.
	ok, err := s.TransitionReviewJob(ctx, j.ID, models.JobStatusCompleted, JobUpdate{At: now})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimReviewJob(ctx, acme, j.ID, 1, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.SetReviewJobSession(ctx, j.ID, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionReviewJob(ctx, j.ID, models.JobStatusCompleted, JobUpdate{At: now.Add(time.Minute), Result: "LGTM"})
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal rows never move again.
	ok, err = s.TransitionReviewJob(ctx, j.ID, models.JobStatusCancelled, JobUpdate{At: now})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetReviewJobBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "LGTM", got.Result)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now.Add(time.Minute)))

	_, err = s.TransitionReviewJob(ctx, j.ID, models.JobStatusPending, JobUpdate{})
	assert.Error(t, err)
}

func TestListReviewJobs_FiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateReviewJob(ctx, newJob(acme, i+1, "sha", base.Add(time.Duration(i)*time.Minute))))
	}
	other := newJob(alice, 1, "sha", base)
	other.Repo = "alice/dots"
	require.NoError(t, s.CreateReviewJob(ctx, other))

	page, total, err := s.ListReviewJobs(ctx, JobListFilter{Owner: acme, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, 4, page[0].ChangeID, "newest first")
	assert.Equal(t, 3, page[1].ChangeID)

	_, total, err = s.ListReviewJobs(ctx, JobListFilter{Owner: acme, Statuses: []models.JobStatus{models.JobStatusRunning}})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	owners, err := s.ListOwnersWithPendingReviewJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Owner{acme, alice}, owners)

	active, err := s.ListActiveReviewJobsForChange(ctx, models.PlatformGitHub, "acme/api", 3)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestListStaleReviewJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	old := newJob(acme, 1, "sha", base)
	fresh := newJob(acme, 2, "sha", base)
	require.NoError(t, s.CreateReviewJob(ctx, old))
	require.NoError(t, s.CreateReviewJob(ctx, fresh))
	_, err := s.ClaimReviewJob(ctx, acme, old.ID, 5, base)
	require.NoError(t, err)
	_, err = s.ClaimReviewJob(ctx, acme, fresh.ID, 5, base.Add(3*time.Hour))
	require.NoError(t, err)

	stale, err := s.ListStaleReviewJobs(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

// --- Findings ---

func newFinding(owner models.Owner, repo, sourceID string, sev models.Severity, detected time.Time) *models.Finding {
	return &models.Finding{
		Owner:           owner,
		Platform:        models.PlatformGitHub,
		Repo:            repo,
		Source:          "dependabot",
		SourceID:        sourceID,
		Package:         "lodash",
		Severity:        sev,
		Status:          models.FindingStatusOpen,
		SLADueAt:        models.DefaultSLADays.DueAt(detected, sev),
		FirstDetectedAt: detected,
		LastSyncedAt:    detected,
	}
}

func TestFindingCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f := newFinding(acme, "acme/api", "1", models.SeverityHigh, now)
	require.NoError(t, s.CreateFinding(ctx, f))
	assert.ErrorIs(t, s.CreateFinding(ctx, newFinding(acme, "acme/api", "1", models.SeverityLow, now)), ErrDuplicate)

	got, err := s.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.True(t, got.SLADueAt.Equal(now.AddDate(0, 0, 30)))
	assert.Nil(t, got.Analysis.Result)

	fixedAt := now.Add(time.Hour)
	got.Status = models.FindingStatusFixed
	got.FixedAt = &fixedAt
	got.LastSyncedAt = fixedAt
	ok, err := s.UpdateFindingSync(ctx, got, models.FindingStatusOpen)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := s.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusFixed, again.Status)
	require.NotNil(t, again.FixedAt)

	list, total, err := s.ListFindings(ctx, FindingListFilter{Owner: acme, Status: models.FindingStatusFixed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestSetReviewJobSession_OnlyWhileRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	j := newJob(acme, 1, "sha", now)
	require.NoError(t, s.CreateReviewJob(ctx, j))
	ok, err := s.SetReviewJobSession(ctx, j.ID, "sess-early")
	require.NoError(t, err)
	assert.False(t, ok, "pending job")

	ok, err = s.ClaimReviewJob(ctx, acme, j.ID, 1, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionReviewJob(ctx, j.ID, models.JobStatusCancelled, JobUpdate{At: now, CancelReason: "superseded"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetReviewJobSession(ctx, j.ID, "sess-late")
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := s.GetReviewJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorkerSessionID)
}

func TestUpdateFindingSync_GuardsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	f := newFinding(acme, "acme/api", "9", models.SeverityHigh, now)
	require.NoError(t, s.CreateFinding(ctx, f))
	ok, err := s.MarkFindingIgnored(ctx, f.ID, models.IgnoredReasonAutoDismissed)
	require.NoError(t, err)
	require.True(t, ok)

	// A write based on the stale open read must not undo the dismissal.
	f.Severity = models.SeverityCritical
	f.LastSyncedAt = now.Add(time.Hour)
	ok, err = s.UpdateFindingSync(ctx, f, models.FindingStatusOpen)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusIgnored, got.Status)
	assert.Equal(t, models.IgnoredReasonAutoDismissed, got.IgnoredReason)
	assert.Equal(t, models.SeverityHigh, got.Severity)

	ok, err = s.UpdateFindingSync(ctx, &models.Finding{ID: "missing"}, models.FindingStatusOpen)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFindingIgnored_OnlyFromOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f := newFinding(acme, "acme/api", "1", models.SeverityLow, now)
	require.NoError(t, s.CreateFinding(ctx, f))

	ok, err := s.MarkFindingIgnored(ctx, f.ID, models.IgnoredReasonAutoDismissed)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkFindingIgnored(ctx, f.ID, models.IgnoredReasonAutoDismissed)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusIgnored, got.Status)
	assert.Equal(t, models.IgnoredReasonAutoDismissed, got.IgnoredReason)
}

func TestAnalysisLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f1 := newFinding(acme, "acme/api", "1", models.SeverityHigh, now)
	f2 := newFinding(acme, "acme/api", "2", models.SeverityHigh, now)
	require.NoError(t, s.CreateFinding(ctx, f1))
	require.NoError(t, s.CreateFinding(ctx, f2))

	ok, err := s.RequestAnalysis(ctx, f1.ID, "m", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RequestAnalysis(ctx, f1.ID, "m", now)
	require.NoError(t, err)
	assert.False(t, ok, "already pending")
	ok, err = s.RequestAnalysis(ctx, f2.ID, "m", now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := s.ListPendingAnalysisIDs(ctx, acme, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{f1.ID, f2.ID}, ids)

	ok, err = s.ClaimAnalysis(ctx, acme, f1.ID, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimAnalysis(ctx, acme, f2.ID, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CountAnalyses(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err = s.SetAnalysisSession(ctx, f1.ID, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)
	result := &models.AnalysisResult{Triage: models.TriageVerdict{Decision: models.TriageDismiss, Confidence: models.ConfidenceHigh}}
	ok, err = s.TransitionAnalysis(ctx, f1.ID, models.JobStatusCompleted, AnalysisUpdate{At: now, Result: result})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetFindingByAnalysisSession(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Analysis.Status)
	require.NotNil(t, got.Analysis.Result)
	assert.Equal(t, models.TriageDismiss, got.Analysis.Result.Triage.Decision)

	candidates, err := s.ListAutoDismissCandidates(ctx, acme)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, f1.ID, candidates[0].ID)

	owners, err := s.ListOwnersWithPendingAnalyses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Owner{acme}, owners)
}

func TestDeleteFindingsForRepos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateFinding(ctx, newFinding(acme, "acme/api", "1", models.SeverityLow, now)))
	require.NoError(t, s.CreateFinding(ctx, newFinding(acme, "acme/old", "1", models.SeverityLow, now)))
	require.NoError(t, s.CreateFinding(ctx, newFinding(alice, "acme/old", "1", models.SeverityLow, now)))

	repos, err := s.ListFindingRepos(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/api", "acme/old"}, repos)

	n, err := s.DeleteFindingsForRepos(ctx, acme, []string{"acme/old"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, total, err := s.ListFindings(ctx, FindingListFilter{Repo: "acme/old"})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "other owner's findings untouched")
}
