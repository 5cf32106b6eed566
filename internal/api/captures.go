package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/pkg/httpx"
)

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "*"))
	if key == "" || strings.Contains(key, "..") {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_key", "capture key is invalid")
		return
	}

	body, err := s.store.Get(r.Context(), key)
	if errors.Is(err, capture.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "capture_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", capture.ContentTypeFor(key))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	// Re-runs overwrite captures in place.
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}
