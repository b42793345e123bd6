package findings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

var acme = models.OrgOwner("acme")

type dismissCall struct {
	repo, sourceID, reason, comment string
}

type fakeClient struct {
	mu         sync.Mutex
	advisories map[string][]models.Advisory
	fetchErr   map[string]error
	repos      []string
	listErr    error
	dismissErr error
	dismissed  []dismissCall
}

func (c *fakeClient) FetchAdvisories(_ context.Context, repo string) ([]models.Advisory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchErr[repo]; err != nil {
		return nil, err
	}
	return append([]models.Advisory(nil), c.advisories[repo]...), nil
}

func (c *fakeClient) DismissAdvisory(_ context.Context, repo, sourceID, reason, comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dismissErr != nil {
		return c.dismissErr
	}
	c.dismissed = append(c.dismissed, dismissCall{repo, sourceID, reason, comment})
	return nil
}

func (c *fakeClient) PostReaction(context.Context, string, int, string) error { return nil }

func (c *fakeClient) PostComment(context.Context, string, int, string) error { return nil }

func (c *fakeClient) ChangeDiff(context.Context, string, int) (string, error) { return "", nil }

func (c *fakeClient) ListRepos(context.Context) ([]string, error) {
	return c.repos, c.listErr
}

type fakePlatforms struct {
	client *fakeClient
	err    error
}

func (p *fakePlatforms) For(context.Context, string) (platform.Client, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}

func (p *fakePlatforms) ForIntegration(ctx context.Context, in *models.Integration) (platform.Client, error) {
	return p.For(ctx, in.ID)
}

type fakeWorker struct {
	mu       sync.Mutex
	n        int
	started  []string
	startErr error
}

func (w *fakeWorker) StartAnalysis(_ context.Context, f *models.Finding, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startErr != nil {
		return "", w.startErr
	}
	w.n++
	w.started = append(w.started, f.ID)
	return fmt.Sprintf("an-%d", w.n), nil
}

func (w *fakeWorker) Cancel(context.Context, string, string) error { return nil }

type fixture struct {
	store       *store.SQLiteStore
	client      *fakeClient
	platforms   *fakePlatforms
	worker      *fakeWorker
	svc         *Service
	integration *models.Integration
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	in := &models.Integration{Owner: acme, Platform: models.PlatformGitHub, InstallationID: "1", Account: "acme", Enabled: true}
	require.NoError(t, st.CreateIntegration(ctx, in))

	f := &fixture{
		store:       st,
		client:      &fakeClient{advisories: map[string][]models.Advisory{}, fetchErr: map[string]error{}},
		worker:      &fakeWorker{},
		integration: in,
		now:         time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	f.platforms = &fakePlatforms{client: f.client}
	f.svc = NewService(st, f.platforms, f.worker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.SetNow(func() time.Time { return f.now })
	return f
}

func (f *fixture) config(t *testing.T, mutate func(c *models.OwnerAgentConfig)) {
	t.Helper()
	ctx := context.Background()
	cfg, err := f.store.GetAgentConfig(ctx, acme, models.AgentTypeAnalysis)
	require.NoError(t, err)
	mutate(cfg)
	require.NoError(t, f.store.SaveAgentConfig(ctx, cfg))
}

func (f *fixture) findings(t *testing.T, repo string) map[string]*models.Finding {
	t.Helper()
	list, _, err := f.store.ListFindings(context.Background(), store.FindingListFilter{Owner: acme, Repo: repo})
	require.NoError(t, err)
	out := map[string]*models.Finding{}
	for _, fd := range list {
		out[fd.SourceID] = fd
	}
	return out
}

func adv(id string, state models.AdvisoryState, sev models.Severity) models.Advisory {
	return models.Advisory{SourceID: id, State: state, Severity: sev, Package: "pkg-" + id, AdvisoryID: "CVE-" + id}
}

func TestSync_CreatesWithSLA(t *testing.T) {
	f := newFixture(t)
	f.config(t, func(c *models.OwnerAgentConfig) { c.SLA.Critical = 15 })
	f.client.advisories["a/b"] = []models.Advisory{adv("X", models.AdvisoryOpen, models.SeverityCritical)}

	res, err := f.svc.Sync(context.Background(), acme, "a/b")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Errors)

	got := f.findings(t, "a/b")["X"]
	require.NotNil(t, got)
	assert.Equal(t, models.FindingStatusOpen, got.Status)
	assert.True(t, got.FirstDetectedAt.Equal(f.now))
	assert.True(t, got.SLADueAt.Equal(f.now.AddDate(0, 0, 15)))
	assert.Equal(t, platform.GitHubSource, got.Source)
}

func TestSync_IdempotentResync(t *testing.T) {
	f := newFixture(t)
	f.client.advisories["a/b"] = []models.Advisory{
		adv("1", models.AdvisoryOpen, models.SeverityHigh),
		adv("2", models.AdvisoryOpen, models.SeverityLow),
	}
	ctx := context.Background()
	_, err := f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)
	before := f.findings(t, "a/b")

	f.now = f.now.Add(24 * time.Hour)
	res, err := f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)
	require.Len(t, res.Repos, 1)
	assert.Zero(t, res.Repos[0].Created+res.Repos[0].Updated+res.Repos[0].Fixed+res.Repos[0].Reopened)

	after := f.findings(t, "a/b")
	for id, b := range before {
		a := after[id]
		assert.Equal(t, b.Status, a.Status)
		assert.True(t, b.SLADueAt.Equal(a.SLADueAt), "SLA stable across resyncs")
		assert.True(t, b.FirstDetectedAt.Equal(a.FirstDetectedAt))
		assert.True(t, a.LastSyncedAt.Equal(f.now))
	}
}

func TestSync_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.advisories["a/b"] = []models.Advisory{
		adv("gone", models.AdvisoryOpen, models.SeverityHigh),
		adv("fixed", models.AdvisoryOpen, models.SeverityHigh),
		adv("dismissed", models.AdvisoryOpen, models.SeverityHigh),
		adv("sev", models.AdvisoryOpen, models.SeverityLow),
		adv("ignored", models.AdvisoryOpen, models.SeverityLow),
	}
	_, err := f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)
	first := f.findings(t, "a/b")
	_, err = f.store.MarkFindingIgnored(ctx, first["ignored"].ID, "tolerable_risk")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	f.client.advisories["a/b"] = []models.Advisory{
		adv("fixed", models.AdvisoryFixed, models.SeverityHigh),
		adv("dismissed", models.AdvisoryDismissed, models.SeverityHigh),
		adv("sev", models.AdvisoryOpen, models.SeverityCritical),
		adv("ignored", models.AdvisoryFixed, models.SeverityLow),
		adv("new-fixed", models.AdvisoryFixed, models.SeverityLow),
	}
	_, err = f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)
	got := f.findings(t, "a/b")

	assert.Equal(t, models.FindingStatusFixed, got["gone"].Status, "no longer reported")
	require.NotNil(t, got["gone"].FixedAt)
	assert.Equal(t, models.FindingStatusFixed, got["fixed"].Status)
	assert.Equal(t, models.FindingStatusIgnored, got["dismissed"].Status)
	assert.Equal(t, models.IgnoredReasonUpstream, got["dismissed"].IgnoredReason)
	assert.Equal(t, models.SeverityCritical, got["sev"].Severity)
	assert.True(t, got["sev"].SLADueAt.Equal(got["sev"].FirstDetectedAt.AddDate(0, 0, 15)), "recomputed from first detection")
	assert.Equal(t, models.FindingStatusIgnored, got["ignored"].Status, "ignored left untouched")
	assert.NotContains(t, got, "new-fixed")

	// Reopen when the source reports it active again.
	f.now = f.now.Add(time.Hour)
	f.client.advisories["a/b"] = []models.Advisory{adv("fixed", models.AdvisoryOpen, models.SeverityHigh)}
	res, err := f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repos[0].Reopened)
	reopened := f.findings(t, "a/b")["fixed"]
	assert.Equal(t, models.FindingStatusOpen, reopened.Status)
	assert.Nil(t, reopened.FixedAt)
}

// dismissingStore dismisses a finding right before sync writes it back.
type dismissingStore struct {
	*store.SQLiteStore
	once sync.Once
}

func (d *dismissingStore) UpdateFindingSync(ctx context.Context, f *models.Finding, from models.FindingStatus) (bool, error) {
	d.once.Do(func() {
		_, _ = d.SQLiteStore.MarkFindingIgnored(ctx, f.ID, models.IgnoredReasonAutoDismissed)
	})
	return d.SQLiteStore.UpdateFindingSync(ctx, f, from)
}

func TestSync_KeepsConcurrentDismissal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.advisories["a/b"] = []models.Advisory{adv("1", models.AdvisoryOpen, models.SeverityHigh)}
	_, err := f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)

	f.svc.Store = &dismissingStore{SQLiteStore: f.store}
	f.now = f.now.Add(time.Hour)
	res, err := f.svc.Sync(ctx, acme, "a/b")
	require.NoError(t, err)
	require.Len(t, res.Repos, 1)
	assert.Equal(t, 1, res.Repos[0].Skipped)
	assert.Zero(t, res.Repos[0].Reopened)

	got := f.findings(t, "a/b")["1"]
	assert.Equal(t, models.FindingStatusIgnored, got.Status)
	assert.Equal(t, models.IgnoredReasonAutoDismissed, got.IgnoredReason)
}

func TestSync_IsolatesRepoErrors(t *testing.T) {
	f := newFixture(t)
	f.client.repos = []string{"acme/ok", "acme/broken"}
	f.client.advisories["acme/ok"] = []models.Advisory{adv("1", models.AdvisoryOpen, models.SeverityLow)}
	f.client.fetchErr["acme/broken"] = &platform.PermissionError{Op: "gh api", Hint: platform.ReauthorizeHint, Err: errors.New("HTTP 403")}

	res, err := f.svc.Sync(context.Background(), acme, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Errors)
	assert.Len(t, f.findings(t, "acme/ok"), 1)
	for _, rr := range res.Repos {
		if rr.Repo == "acme/broken" {
			assert.Contains(t, rr.Error, platform.ReauthorizeHint)
		}
	}
}

func TestSync_RespectsRepoSelection(t *testing.T) {
	f := newFixture(t)
	f.config(t, func(c *models.OwnerAgentConfig) {
		c.SelectionMode = models.RepoSelectionSelected
		c.SelectedRepos = []string{"acme/one"}
	})
	f.client.repos = []string{"acme/one", "acme/two"}

	res, err := f.svc.Sync(context.Background(), acme, "")
	require.NoError(t, err)
	require.Len(t, res.Repos, 1)
	assert.Equal(t, "acme/one", res.Repos[0].Repo)
}

func TestSync_NoIntegration(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Sync(context.Background(), models.UserOwner("nobody"), "")
	assert.ErrorIs(t, err, ErrNoIntegration)
}

func (f *fixture) seed(t *testing.T, n int) []string {
	t.Helper()
	var advs []models.Advisory
	for i := 0; i < n; i++ {
		advs = append(advs, adv(fmt.Sprintf("%d", i), models.AdvisoryOpen, models.SeverityHigh))
	}
	f.client.advisories["acme/api"] = advs
	_, err := f.svc.Sync(context.Background(), acme, "acme/api")
	require.NoError(t, err)
	var ids []string
	list, _, err := f.store.ListFindings(context.Background(), store.FindingListFilter{Owner: acme})
	require.NoError(t, err)
	for _, fd := range list {
		ids = append(ids, fd.ID)
	}
	return ids
}

func TestStartAnalysis_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seed(t, 2)

	_, err := f.svc.StartAnalysis(ctx, acme, "missing", "")
	assert.ErrorIs(t, err, ErrFindingNotFound)

	_, err = f.svc.StartAnalysis(ctx, models.UserOwner("eve"), ids[0], "")
	assert.ErrorIs(t, err, ErrNotOwner)

	f.platforms.err = fmt.Errorf("github: %w", platform.ErrNoToken)
	_, err = f.svc.StartAnalysis(ctx, acme, ids[0], "")
	assert.ErrorIs(t, err, ErrNoToken)
	f.platforms.err = nil

	f.config(t, func(c *models.OwnerAgentConfig) { c.ConcurrencyLimit = 1 })
	res, err := f.svc.StartAnalysis(ctx, acme, ids[0], "claude-x")
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, "an-1", res.WorkerSessionID)

	_, err = f.svc.StartAnalysis(ctx, acme, ids[0], "")
	assert.ErrorIs(t, err, ErrAnalysisInProgress)

	_, err = f.svc.StartAnalysis(ctx, acme, ids[1], "")
	assert.ErrorIs(t, err, ErrConcurrencyLimit)
	got, err := f.store.GetFinding(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatus(""), got.Analysis.Status, "not queued")

	f.config(t, func(c *models.OwnerAgentConfig) { c.Enabled = false })
	_, err = f.svc.StartAnalysis(ctx, acme, ids[1], "")
	assert.ErrorIs(t, err, ErrAgentDisabled)
}

func TestQueueAnalyses_AdmitsUpToLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 5)
	f.config(t, func(c *models.OwnerAgentConfig) { c.ConcurrencyLimit = 3 })

	queued, res, err := f.svc.QueueAnalyses(ctx, acme, "")
	require.NoError(t, err)
	assert.Equal(t, 5, queued)
	assert.Equal(t, 3, res.Dispatched)
	assert.Equal(t, 2, res.StillPending)

	running, err := f.store.CountAnalyses(ctx, acme, models.JobStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, running)

	// Completing one admits the next.
	first := f.worker.started[0]
	require.NoError(t, f.svc.CompleteAnalysis(ctx, first, &models.AnalysisResult{
		Triage: models.TriageVerdict{Decision: models.TriageNeedsReview, Confidence: models.ConfidenceHigh},
	}))
	running, err = f.store.CountAnalyses(ctx, acme, models.JobStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, running)
	pending, err := f.store.CountAnalyses(ctx, acme, models.JobStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestCompleteAnalysis_AutoDismisses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seed(t, 1)
	f.config(t, func(c *models.OwnerAgentConfig) {
		c.AutoDismiss = models.AutoDismissConfig{Enabled: true, ConfidenceThreshold: models.ConfidenceMedium}
	})

	res, err := f.svc.StartAnalysis(ctx, acme, ids[0], "")
	require.NoError(t, err)

	result := &models.AnalysisResult{Triage: models.TriageVerdict{
		Decision: models.TriageDismiss, Confidence: models.ConfidenceHigh, Reasoning: "dev dependency only",
	}}
	require.NoError(t, f.svc.CompleteSession(ctx, res.WorkerSessionID, result, ""))

	got, err := f.store.GetFinding(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Analysis.Status)
	assert.Equal(t, models.FindingStatusIgnored, got.Status)
	assert.Equal(t, models.IgnoredReasonAutoDismissed, got.IgnoredReason)
	require.Len(t, f.client.dismissed, 1, "external dismiss invoked exactly once")
	assert.Equal(t, "dev dependency only", f.client.dismissed[0].comment)

	// A late duplicate callback changes nothing.
	require.NoError(t, f.svc.CompleteAnalysis(ctx, ids[0], result))
	assert.Len(t, f.client.dismissed, 1)
}

func TestCompleteAnalysis_BelowThresholdOrDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seed(t, 2)
	f.config(t, func(c *models.OwnerAgentConfig) {
		c.AutoDismiss = models.AutoDismissConfig{Enabled: true, ConfidenceThreshold: models.ConfidenceMedium}
	})

	_, err := f.svc.StartAnalysis(ctx, acme, ids[0], "")
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteAnalysis(ctx, ids[0], &models.AnalysisResult{
		Triage: models.TriageVerdict{Decision: models.TriageDismiss, Confidence: models.ConfidenceLow},
	}))
	got, err := f.store.GetFinding(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusOpen, got.Status)

	f.config(t, func(c *models.OwnerAgentConfig) { c.AutoDismiss.Enabled = false })
	_, err = f.svc.StartAnalysis(ctx, acme, ids[1], "")
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteAnalysis(ctx, ids[1], &models.AnalysisResult{
		Triage: models.TriageVerdict{Decision: models.TriageDismiss, Confidence: models.ConfidenceHigh},
	}))
	got, err = f.store.GetFinding(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusOpen, got.Status)
	assert.Empty(t, f.client.dismissed)
}

func TestEligible(t *testing.T) {
	verdict := func(d models.TriageDecision, c models.Confidence) *models.AnalysisResult {
		return &models.AnalysisResult{Triage: models.TriageVerdict{Decision: d, Confidence: c}}
	}
	tests := []struct {
		result    *models.AnalysisResult
		threshold models.Confidence
		want      bool
	}{
		{verdict(models.TriageDismiss, models.ConfidenceHigh), models.ConfidenceMedium, true},
		{verdict(models.TriageDismiss, models.ConfidenceMedium), models.ConfidenceMedium, true},
		{verdict(models.TriageDismiss, models.ConfidenceLow), models.ConfidenceMedium, false},
		{verdict(models.TriageDismiss, models.ConfidenceLow), models.ConfidenceLow, true},
		{verdict(models.TriageDismiss, models.ConfidenceMedium), models.ConfidenceHigh, false},
		{verdict(models.TriageNeedsReview, models.ConfidenceHigh), models.ConfidenceLow, false},
		{verdict(models.TriageDismiss, "bogus"), models.ConfidenceLow, false},
		{nil, models.ConfidenceLow, false},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.want, Eligible(tt.result, tt.threshold), "case %d", i)
	}
}

func TestDismiss_UpstreamFailureKeepsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seed(t, 1)
	f.client.dismissErr = errors.New("HTTP 502")

	ok, err := f.svc.DismissFinding(ctx, acme, ids[0], "not_used", "")
	require.Error(t, err)
	assert.False(t, ok)

	got, err := f.store.GetFinding(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusOpen, got.Status)
	assert.Contains(t, got.DismissError, "HTTP 502")

	f.client.dismissErr = nil
	ok, err = f.svc.DismissFinding(ctx, acme, ids[0], "not_used", "unused code path")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = f.store.GetFinding(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.FindingStatusIgnored, got.Status)
	assert.Equal(t, "not_used", got.IgnoredReason)
	assert.Empty(t, got.DismissError)
}

func TestDismissAllEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seed(t, 3)
	f.config(t, func(c *models.OwnerAgentConfig) {
		c.ConcurrencyLimit = 5
		c.AutoDismiss = models.AutoDismissConfig{Enabled: false, ConfidenceThreshold: models.ConfidenceHigh}
	})

	confidences := []models.Confidence{models.ConfidenceHigh, models.ConfidenceHigh, models.ConfidenceLow}
	for i, id := range ids {
		_, err := f.svc.StartAnalysis(ctx, acme, id, "")
		require.NoError(t, err)
		require.NoError(t, f.svc.CompleteAnalysis(ctx, id, &models.AnalysisResult{
			Triage: models.TriageVerdict{Decision: models.TriageDismiss, Confidence: confidences[i]},
		}))
	}

	f.config(t, func(c *models.OwnerAgentConfig) { c.AutoDismiss.Enabled = true })
	res, err := f.svc.DismissAllEligible(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, &BulkResult{Dismissed: 2, Skipped: 1, Errors: 0}, res)
	assert.Len(t, f.client.dismissed, 2)
}

func TestCleanupOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.advisories["acme/live"] = []models.Advisory{adv("1", models.AdvisoryOpen, models.SeverityLow)}
	f.client.advisories["acme/gone"] = []models.Advisory{adv("1", models.AdvisoryOpen, models.SeverityLow)}
	_, err := f.svc.Sync(ctx, acme, "acme/live")
	require.NoError(t, err)
	_, err = f.svc.Sync(ctx, acme, "acme/gone")
	require.NoError(t, err)

	f.client.listErr = errors.New("HTTP 500")
	_, err = f.svc.CleanupOrphans(ctx, acme)
	require.Error(t, err)
	assert.Len(t, f.findings(t, "acme/gone"), 1, "nothing deleted on partial knowledge")

	f.client.listErr = nil
	f.client.repos = []string{"acme/live"}
	res, err := f.svc.CleanupOrphans(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/gone"}, res.Repos)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Empty(t, f.findings(t, "acme/gone"))
	assert.Len(t, f.findings(t, "acme/live"), 1)
}

func TestFailStaleAnalyses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seed(t, 1)
	_, err := f.svc.StartAnalysis(ctx, acme, ids[0], "")
	require.NoError(t, err)

	n, err := f.svc.Queue().FailStale(ctx, f.now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.store.GetFinding(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Analysis.Status)
	assert.Equal(t, TimedOutError, got.Analysis.Error)
}
