package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/reviewd/internal/events"
	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// webhookResponse is returned for every accepted delivery.
type webhookResponse struct {
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
	SessionID  string   `json:"worker_session_id,omitempty"`
	Superseded []string `json:"superseded,omitempty"`
}

func (s *Server) githubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if s.githubSecret != "" {
		if err := events.VerifyGitHubSignature(s.githubSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitHub), "rejected").Inc()
			s.fail(w, r, err)
			return
		}
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "ping":
		writeJSON(w, http.StatusOK, webhookResponse{Status: "pong"})
		return
	case "pull_request":
	default:
		metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitHub), "ignored").Inc()
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored", Reason: "unsupported_event"})
		return
	}

	change, err := events.ParseGitHubPullRequest(body)
	if err != nil {
		metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitHub), "invalid").Inc()
		s.fail(w, r, err)
		return
	}
	in, err := s.store.GetIntegrationByInstallation(r.Context(), models.PlatformGitHub, change.InstallationID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitHub), "ignored").Inc()
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored", Reason: "unknown_installation"})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleChange(w, r, in, change)
}

func (s *Server) gitlabWebhook(w http.ResponseWriter, r *http.Request) {
	in, err := s.store.GetIntegration(r.Context(), chi.URLParam(r, "integration"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Platform != models.PlatformGitLab {
		writeError(w, http.StatusNotFound, "not a gitlab integration")
		return
	}
	if s.gitlabSecret != "" {
		if err := events.VerifyGitLabToken(s.gitlabSecret, r.Header.Get("X-Gitlab-Token")); err != nil {
			metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitLab), "rejected").Inc()
			s.fail(w, r, err)
			return
		}
	}
	if r.Header.Get("X-Gitlab-Event") != "Merge Request Hook" {
		metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitLab), "ignored").Inc()
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored", Reason: "unsupported_event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	change, err := events.ParseGitLabMergeRequest(body)
	if err != nil {
		metrics.EventsReceivedCounter.WithLabelValues(string(models.PlatformGitLab), "invalid").Inc()
		s.fail(w, r, err)
		return
	}
	s.handleChange(w, r, in, change)
}

// handleChange normalizes a decoded change and hands it to the job service.
// Once the event is accepted the response is 202 whatever dispatch did.
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request, in *models.Integration, change *events.Change) {
	label := string(change.Platform)
	ev, reason, err := s.normalizer.Normalize(r.Context(), in, change)
	if err != nil {
		metrics.EventsReceivedCounter.WithLabelValues(label, "invalid").Inc()
		s.fail(w, r, err)
		return
	}
	if reason != events.SkipNone {
		metrics.EventsReceivedCounter.WithLabelValues(label, "skipped").Inc()
		metrics.EventsSkippedCounter.WithLabelValues(string(reason)).Inc()
		s.logger.Debug("event skipped", "repo", change.Repo, "change", change.ChangeID, "reason", reason)
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "skipped", Reason: string(reason)})
		return
	}

	out, err := s.jobs.HandleEvent(r.Context(), ev)
	if err != nil {
		metrics.EventsReceivedCounter.WithLabelValues(label, "error").Inc()
		s.fail(w, r, err)
		return
	}
	resp := webhookResponse{Status: "accepted", JobID: out.Job.ID, SessionID: out.Job.WorkerSessionID, Superseded: out.Superseded}
	if out.Duplicate {
		resp.Status = "duplicate"
	}
	metrics.EventsReceivedCounter.WithLabelValues(label, resp.Status).Inc()
	writeJSON(w, http.StatusAccepted, resp)
}
