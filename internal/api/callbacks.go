package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/reviewd/internal/models"
)

func (s *Server) requireCallbackToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.callbackToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.callbackToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid callback token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type reviewCallbackRequest struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (s *Server) reviewCallback(w http.ResponseWriter, r *http.Request) {
	var req reviewCallbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.jobs.CompleteSession(r.Context(), chi.URLParam(r, "session"), req.Result, req.Error); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type analysisCallbackRequest struct {
	Result *models.AnalysisResult `json:"result"`
	Error  string                 `json:"error"`
}

func (s *Server) analysisCallback(w http.ResponseWriter, r *http.Request) {
	var req analysisCallbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Result == nil && req.Error == "" {
		writeError(w, http.StatusBadRequest, "result or error is required")
		return
	}
	if err := s.findings.CompleteSession(r.Context(), chi.URLParam(r, "session"), req.Result, req.Error); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
