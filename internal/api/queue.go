package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jaystack/device-megatest/pkg/httpx"
)

type deadLetterView struct {
	ID             string          `json:"id"`
	ReceiveCount   int             `json:"receiveCount"`
	DeadLetteredAt time.Time       `json:"deadLetteredAt"`
	Job            json.RawMessage `json:"job,omitempty"`
	RawBody        string          `json:"rawBody,omitempty"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		httpx.WriteError(w, http.StatusInternalServerError, "not_configured", "queue is not configured")
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "queue_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{
		"pending":      stats.Pending,
		"inFlight":     stats.InFlight,
		"deadLettered": stats.DeadLettered,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		httpx.WriteError(w, http.StatusInternalServerError, "not_configured", "queue is not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	letters, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "queue_failed", err.Error())
		return
	}
	items := make([]deadLetterView, 0, len(letters))
	for _, letter := range letters {
		item := deadLetterView{
			ID:             letter.ID,
			ReceiveCount:   letter.ReceiveCount,
			DeadLetteredAt: letter.DeadLetteredAt,
		}
		if json.Valid(letter.Body) {
			item.Job = json.RawMessage(letter.Body)
		} else {
			item.RawBody = string(letter.Body)
		}
		items = append(items, item)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}
