package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/joescharf/reviewd/internal/models"
)

// Remote drives an external worker pool over HTTP. The pool calls back on
// CallbackURL when a session finishes.
type Remote struct {
	BaseURL     string
	CallbackURL string
	Token       string
	HTTP        *http.Client
	// Retries bounds attempts on network errors and 5xx responses.
	Retries int
	Backoff time.Duration
}

var _ Worker = (*Remote)(nil)

// NewRemote creates a remote worker client.
func NewRemote(baseURL, callbackURL, token string, timeout time.Duration) *Remote {
	return &Remote{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		CallbackURL: strings.TrimRight(callbackURL, "/"),
		Token:       token,
		HTTP:        &http.Client{Timeout: timeout},
		Retries:     2,
		Backoff:     500 * time.Millisecond,
	}
}

type reviewRequest struct {
	Job         *models.ReviewJob `json:"job"`
	CallbackURL string            `json:"callback_url"`
}

type analysisRequest struct {
	Finding     *models.Finding `json:"finding"`
	Model       string          `json:"model,omitempty"`
	CallbackURL string          `json:"callback_url"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartReview submits a review session to the pool.
func (r *Remote) StartReview(ctx context.Context, job *models.ReviewJob) (string, error) {
	var resp sessionResponse
	err := r.post(ctx, "/v1/reviews", reviewRequest{Job: job, CallbackURL: r.CallbackURL + "/callbacks/reviews"}, &resp)
	if err != nil {
		return "", fmt.Errorf("start review: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("start review: worker returned no session id")
	}
	return resp.SessionID, nil
}

// StartAnalysis submits an analysis session to the pool.
func (r *Remote) StartAnalysis(ctx context.Context, f *models.Finding, model string) (string, error) {
	var resp sessionResponse
	err := r.post(ctx, "/v1/analyses", analysisRequest{Finding: f, Model: model, CallbackURL: r.CallbackURL + "/callbacks/analyses"}, &resp)
	if err != nil {
		return "", fmt.Errorf("start analysis: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("start analysis: worker returned no session id")
	}
	return resp.SessionID, nil
}

// Cancel asks the pool to stop a session.
func (r *Remote) Cancel(ctx context.Context, sessionID, reason string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/cancel"
	if err := r.post(ctx, path, cancelRequest{Reason: reason}, nil); err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}
	return nil
}

func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	b := retry.WithMaxRetries(uint64(max(0, r.Retries)), retry.NewExponential(max(time.Millisecond, r.Backoff)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if r.Token != "" {
			req.Header.Set("Authorization", "Bearer "+r.Token)
		}
		resp, err := r.HTTP.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("worker pool: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("worker pool: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode worker response: %w", err)
		}
		return nil
	})
}
