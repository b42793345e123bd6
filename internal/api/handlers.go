package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// --- Jobs ---

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.ListJobs(r.Context(), ownerFrom(r), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.GetJobStatus(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Cancel(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	out, err := s.jobs.Retry(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// --- Findings ---

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.FindingListFilter{
		Repo:           q.Get("repo"),
		Status:         models.FindingStatus(q.Get("status")),
		AnalysisStatus: models.JobStatus(q.Get("analysis_status")),
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}
	if sev := q.Get("severity"); sev != "" {
		parsed, err := models.ParseSeverity(sev)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Severity = parsed
	}
	list, err := s.findings.ListFindings(r.Context(), ownerFrom(r), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	f, err := s.findings.GetFinding(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type repoRequest struct {
	Repo string `json:"repo"`
}

func (s *Server) syncFindings(w http.ResponseWriter, r *http.Request) {
	var req repoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.findings.Sync(r.Context(), ownerFrom(r), req.Repo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type analyzeRequest struct {
	Model string `json:"model"`
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.findings.StartAnalysis(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.Model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type queueResponse struct {
	Queued       int `json:"queued"`
	Dispatched   int `json:"dispatched"`
	StillPending int `json:"still_pending"`
}

func (s *Server) queueAnalyses(w http.ResponseWriter, r *http.Request) {
	var req repoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	queued, res, err := s.findings.QueueAnalyses(r.Context(), ownerFrom(r), req.Repo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queueResponse{Queued: queued, Dispatched: res.Dispatched, StillPending: res.StillPending})
}

type dismissRequest struct {
	Reason  string `json:"reason"`
	Comment string `json:"comment"`
}

func (s *Server) dismissFinding(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ok, err := s.findings.DismissFinding(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.Reason, req.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dismissed": ok})
}

func (s *Server) autoDismiss(w http.ResponseWriter, r *http.Request) {
	res, err := s.findings.DismissAllEligible(r.Context(), ownerFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cleanupOrphans(w http.ResponseWriter, r *http.Request) {
	res, err := s.findings.CleanupOrphans(r.Context(), ownerFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
