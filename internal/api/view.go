package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jaystack/device-megatest/internal/results"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/pkg/httpx"
)

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	result, ok := s.aggregate(w, r, r.URL.Query().Get("testId"))
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := s.renderer.Render(&buf, result); err != nil {
		s.logger.Printf("ERROR: render test=%s: %v", result.TestID, err)
		httpx.WriteError(w, http.StatusInternalServerError, "render_failed", err.Error())
		return
	}
	httpx.WriteHTML(w, http.StatusOK, buf.Bytes())
}

func (s *Server) handleTestResult(w http.ResponseWriter, r *http.Request) {
	result, ok := s.aggregate(w, r, chi.URLParam(r, "testID"))
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request, testID string) (testdef.TestResult, bool) {
	if s.results == nil {
		httpx.WriteError(w, http.StatusInternalServerError, "not_configured", "result aggregation is not configured")
		return testdef.TestResult{}, false
	}
	testID = strings.TrimSpace(testID)
	if testID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_test_id", "testId is required")
		return testdef.TestResult{}, false
	}

	result, err := s.results.Aggregate(r.Context(), testID)
	switch {
	case err == nil:
		return result, true
	case errors.Is(err, results.ErrInvalidTestID):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_test_id", err.Error())
	case errors.Is(err, results.ErrTestNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Printf("ERROR: aggregate test=%s: %v", testID, err)
		httpx.WriteError(w, http.StatusInternalServerError, "aggregation_failed", err.Error())
	}
	return testdef.TestResult{}, false
}
