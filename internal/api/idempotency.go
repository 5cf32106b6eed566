package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/idempotency"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	launchScope       = "launch"
)

// handleIdempotentLaunch schedules req at most once per Idempotency-Key.
// Replays answer with the stored definition of the first launch.
func (s *Server) handleIdempotentLaunch(w http.ResponseWriter, r *http.Request, req testdef.TestRequest) bool {
	if s.idempotency == nil {
		return false
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}

	if cached, ok, err := s.idempotency.Get(r.Context(), launchScope, key); err == nil && ok {
		s.replayLaunch(w, r, cached)
		return true
	} else if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return true
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	claimed, err := s.idempotency.Claim(r.Context(), launchScope, key, owner, s.idempotencyLock)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return true
	}
	if !claimed {
		if cached, ok, err := s.waitForIdempotentEntry(r.Context(), key, 4*time.Second); err == nil && ok {
			s.replayLaunch(w, r, cached)
			return true
		}
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return true
	}
	defer func() {
		_ = s.idempotency.Release(context.Background(), launchScope, key, owner)
	}()

	def, err := s.launcher.Schedule(r.Context(), req)
	if err != nil {
		s.writeLaunchError(w, err)
		return true
	}
	entry := idempotency.Entry{TestID: def.TestID, CreatedAt: time.Now().UTC()}
	if err := s.idempotency.Save(context.Background(), launchScope, key, entry, s.idempotencyTTL); err != nil {
		s.logger.Printf("warn: save idempotency key for test=%s: %v", def.TestID, err)
	}
	httpx.WriteJSON(w, http.StatusOK, launchResponse{OK: 1, TestDefinition: def})
	return true
}

func (s *Server) replayLaunch(w http.ResponseWriter, r *http.Request, entry idempotency.Entry) {
	if s.store == nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", "capture store is not configured")
		return
	}
	raw, err := s.store.Get(r.Context(), capture.DefinitionKey(entry.TestID))
	if errors.Is(err, capture.ErrNotFound) {
		httpx.WriteError(w, http.StatusConflict, "definition_missing", "the test launched with this idempotency key has no stored definition")
		return
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return
	}
	var def testdef.TestDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return
	}
	w.Header().Set(replayedHeader, "true")
	httpx.WriteJSON(w, http.StatusOK, launchResponse{OK: 1, TestDefinition: def})
}

func (s *Server) waitForIdempotentEntry(ctx context.Context, key string, timeout time.Duration) (idempotency.Entry, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		entry, ok, err := s.idempotency.Get(waitCtx, launchScope, key)
		if err != nil {
			return idempotency.Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}

		select {
		case <-waitCtx.Done():
			return idempotency.Entry{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}
