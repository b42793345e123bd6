package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/llm"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

type fakeClient struct {
	platform.Client
	mu       sync.Mutex
	diff     string
	comments []string
}

func (c *fakeClient) ChangeDiff(context.Context, string, int) (string, error) {
	return c.diff, nil
}

func (c *fakeClient) PostComment(_ context.Context, _ string, _ int, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments = append(c.comments, body)
	return nil
}

type fakePlatforms struct{ client *fakeClient }

func (p fakePlatforms) For(context.Context, string) (platform.Client, error) { return p.client, nil }

type fakeLLM struct {
	block  bool
	review *llm.Review
	triage *models.TriageVerdict
	deep   *models.DeepVerdict
	err    error
}

func (f *fakeLLM) ReviewChange(ctx context.Context, in llm.ReviewInput) (*llm.Review, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.review, f.err
}

func (f *fakeLLM) Triage(ctx context.Context, _ *models.Finding, _ string) (*models.TriageVerdict, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.triage, f.err
}

func (f *fakeLLM) DeepAnalyze(context.Context, *models.Finding, *models.TriageVerdict, string) (*models.DeepVerdict, error) {
	return f.deep, nil
}

type reviewDone struct {
	session, result, errMsg string
}

func newLocal(fl *fakeLLM, client *fakeClient) *Local {
	return &Local{
		Reviewer:        fl,
		Analyzer:        fl,
		Platforms:       fakePlatforms{client: client},
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Timeout:         time.Minute,
		CallbackRetries: 3,
		CallbackDelay:   time.Millisecond,
	}
}

func TestLocal_ReviewPostsComment(t *testing.T) {
	client := &fakeClient{diff: "+fmt.Println()"}
	fl := &fakeLLM{review: &llm.Review{Summary: "adds logging", Risk: "low", Issues: []string{"use slog"}, Body: "Looks fine."}}
	l := newLocal(fl, client)

	done := make(chan reviewDone, 1)
	l.OnReview = func(_ context.Context, session, result, errMsg string) error {
		done <- reviewDone{session, result, errMsg}
		return nil
	}

	id, err := l.StartReview(context.Background(), &models.ReviewJob{ID: "j1", Repo: "acme/api", ChangeID: 7, HeadSHA: "0123456789"})
	require.NoError(t, err)
	l.Wait()

	got := <-done
	assert.Equal(t, id, got.session)
	assert.Equal(t, "[low] adds logging", got.result)
	assert.Empty(t, got.errMsg)
	require.Len(t, client.comments, 1)
	assert.Contains(t, client.comments[0], "`0123456`")
	assert.Contains(t, client.comments[0], "- use slog")
	assert.Equal(t, 0, l.Active())
}

func TestLocal_ReviewFailureReported(t *testing.T) {
	l := newLocal(&fakeLLM{err: errors.New("overloaded")}, &fakeClient{})
	done := make(chan reviewDone, 1)
	l.OnReview = func(_ context.Context, session, result, errMsg string) error {
		done <- reviewDone{session, result, errMsg}
		return nil
	}
	_, err := l.StartReview(context.Background(), &models.ReviewJob{ID: "j1"})
	require.NoError(t, err)
	l.Wait()
	assert.Equal(t, "overloaded", (<-done).errMsg)
}

func TestLocal_CancelSuppressesCallback(t *testing.T) {
	l := newLocal(&fakeLLM{block: true}, &fakeClient{})
	var calls atomic.Int32
	l.OnReview = func(context.Context, string, string, string) error {
		calls.Add(1)
		return nil
	}

	id, err := l.StartReview(context.Background(), &models.ReviewJob{ID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Active())

	require.NoError(t, l.Cancel(context.Background(), id, "superseded by new push"))
	l.Wait()
	assert.Zero(t, calls.Load())
	assert.Equal(t, 0, l.Active())

	// Unknown sessions are already finished.
	assert.NoError(t, l.Cancel(context.Background(), id, "again"))
}

func TestLocal_TimeoutReported(t *testing.T) {
	l := newLocal(&fakeLLM{block: true}, &fakeClient{})
	l.Timeout = 10 * time.Millisecond
	done := make(chan reviewDone, 1)
	l.OnReview = func(_ context.Context, session, result, errMsg string) error {
		done <- reviewDone{session, result, errMsg}
		return nil
	}
	_, err := l.StartReview(context.Background(), &models.ReviewJob{ID: "j1"})
	require.NoError(t, err)
	l.Wait()
	assert.Equal(t, TimedOutError, (<-done).errMsg)
}

func TestLocal_AnalysisEscalates(t *testing.T) {
	fl := &fakeLLM{
		triage: &models.TriageVerdict{Decision: models.TriageNeedsReview, Confidence: models.ConfidenceLow, NeedsDeeperAnalysis: true},
		deep:   &models.DeepVerdict{Exploitable: false, Confidence: models.ConfidenceHigh, Summary: "not reachable"},
	}
	l := newLocal(fl, &fakeClient{})

	var got *models.AnalysisResult
	l.OnAnalysis = func(_ context.Context, _ string, result *models.AnalysisResult, errMsg string) error {
		assert.Empty(t, errMsg)
		got = result
		return nil
	}
	_, err := l.StartAnalysis(context.Background(), &models.Finding{ID: "f1"}, "")
	require.NoError(t, err)
	l.Wait()

	require.NotNil(t, got)
	assert.Equal(t, models.TriageNeedsReview, got.Triage.Decision)
	require.NotNil(t, got.Deep)
	assert.Equal(t, "not reachable", got.Deep.Summary)
}

func TestLocal_CallbackRetriesUntilAttached(t *testing.T) {
	fl := &fakeLLM{triage: &models.TriageVerdict{Decision: models.TriageDismiss, Confidence: models.ConfidenceHigh}}
	l := newLocal(fl, &fakeClient{})

	var attempts atomic.Int32
	l.OnAnalysis = func(context.Context, string, *models.AnalysisResult, string) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("session: %w", store.ErrNotFound)
		}
		return nil
	}
	_, err := l.StartAnalysis(context.Background(), &models.Finding{ID: "f1"}, "")
	require.NoError(t, err)
	l.Wait()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRemote(t *testing.T) {
	var failures atomic.Int32
	var cancelled cancelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/reviews":
			if failures.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			var req reviewRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://reviewd.example/callbacks/reviews", req.CallbackURL)
			assert.Equal(t, "j1", req.Job.ID)
			_ = json.NewEncoder(w).Encode(sessionResponse{SessionID: "rs-1"})
		case "/v1/analyses":
			var req analysisRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "claude-x", req.Model)
			_ = json.NewEncoder(w).Encode(sessionResponse{SessionID: "as-1"})
		case "/v1/sessions/rs-1/cancel":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&cancelled))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "no such route", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewRemote(srv.URL+"/", "https://reviewd.example/", "secret", 5*time.Second)
	r.Backoff = time.Millisecond
	ctx := context.Background()

	id, err := r.StartReview(ctx, &models.ReviewJob{ID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "rs-1", id)
	assert.Equal(t, int32(2), failures.Load(), "5xx retried")

	id, err = r.StartAnalysis(ctx, &models.Finding{ID: "f1"}, "claude-x")
	require.NoError(t, err)
	assert.Equal(t, "as-1", id)

	require.NoError(t, r.Cancel(ctx, "rs-1", "superseded by new push"))
	assert.Equal(t, "superseded by new push", cancelled.Reason)

	err = r.Cancel(ctx, "unknown", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}
