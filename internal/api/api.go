// Package api exposes webhooks, worker callbacks and the owner-scoped
// query and command endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/reviewd/internal/events"
	"github.com/joescharf/reviewd/internal/findings"
	"github.com/joescharf/reviewd/internal/jobs"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

// maxBodyBytes caps webhook and callback payloads.
const maxBodyBytes = 5 << 20

// Config wires the API server.
type Config struct {
	Store    store.Store
	Jobs     *jobs.Service
	Findings *findings.Service
	Logger   *slog.Logger

	GitHubWebhookSecret string
	GitLabWebhookSecret string
	// CallbackToken, when set, must be presented as a bearer token by the
	// worker pool on completion callbacks.
	CallbackToken string
}

// Server provides the HTTP handlers.
type Server struct {
	store      store.Store
	jobs       *jobs.Service
	findings   *findings.Service
	normalizer *events.Normalizer
	logger     *slog.Logger

	githubSecret  string
	gitlabSecret  string
	callbackToken string
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         cfg.Store,
		jobs:          cfg.Jobs,
		findings:      cfg.Findings,
		normalizer:    events.NewNormalizer(cfg.Store),
		logger:        logger,
		githubSecret:  cfg.GitHubWebhookSecret,
		gitlabSecret:  cfg.GitLabWebhookSecret,
		callbackToken: cfg.CallbackToken,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/github", s.githubWebhook)
	r.Post("/webhooks/gitlab/{integration}", s.gitlabWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireCallbackToken)
		r.Post("/callbacks/reviews/{session}", s.reviewCallback)
		r.Post("/callbacks/analyses/{session}", s.analysisCallback)
	})

	r.Route("/api/v1/owners/{owner}", func(r chi.Router) {
		r.Use(ownerContext)

		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJobStatus)
		r.Post("/jobs/{id}/cancel", s.cancelJob)
		r.Post("/jobs/{id}/retry", s.retryJob)

		r.Get("/findings", s.listFindings)
		r.Post("/findings/sync", s.syncFindings)
		r.Post("/findings/analyze", s.queueAnalyses)
		r.Post("/findings/auto-dismiss", s.autoDismiss)
		r.Post("/findings/cleanup-orphans", s.cleanupOrphans)
		r.Get("/findings/{id}", s.getFinding)
		r.Post("/findings/{id}/analyze", s.startAnalysis)
		r.Post("/findings/{id}/dismiss", s.dismissFinding)
	})

	return r
}

type ownerKey struct{}

// ownerContext parses the {owner} path segment ("org:acme", "user:42").
func ownerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := models.ParseOwner(chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) models.Owner {
	owner, _ := r.Context().Value(ownerKey{}).(models.Owner)
	return owner
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the error envelope; Hint carries a remediation for
// permission failures.
type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// statusFor maps core errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, events.ErrMalformedPayload), errors.Is(err, events.ErrMissingHeadRevision):
		return http.StatusBadRequest
	case errors.Is(err, events.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, platform.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, findings.ErrFindingNotFound),
		errors.Is(err, findings.ErrNotOwner), errors.Is(err, jobs.ErrNotOwner):
		return http.StatusNotFound
	case errors.Is(err, findings.ErrConcurrencyLimit), errors.Is(err, findings.ErrAnalysisInProgress),
		errors.Is(err, findings.ErrFindingNotOpen), errors.Is(err, jobs.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, findings.ErrAgentDisabled), errors.Is(err, findings.ErrNoToken),
		errors.Is(err, findings.ErrNoIntegration):
		return http.StatusPreconditionFailed
	case errors.Is(err, platform.ErrTransient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var perr *platform.PermissionError
	if errors.As(err, &perr) {
		body.Hint = perr.Hint
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

// decodeBody decodes an optional JSON body; an empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
