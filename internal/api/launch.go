package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/jaystack/device-megatest/internal/scheduler"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/pkg/httpx"
)

const maxLaunchBody = 1 << 20

type launchResponse struct {
	OK             int                    `json:"ok"`
	TestDefinition testdef.TestDefinition `json:"testDefinition"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		httpx.WriteError(w, http.StatusBadRequest, "not_configured", scheduler.ErrNotConfigured.Error())
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxLaunchBody+1))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", "request body could not be read")
		return
	}
	if len(raw) > maxLaunchBody {
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 1MiB")
		return
	}
	if isYAML(r.Header.Get("Content-Type")) {
		raw, err = yamlToJSON(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_yaml", err.Error())
			return
		}
	}

	req, err := scheduler.DecodeRequest(raw)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if s.handleIdempotentLaunch(w, r, req) {
		return
	}
	def, err := s.launcher.Schedule(r.Context(), req)
	if err != nil {
		s.writeLaunchError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, launchResponse{OK: 1, TestDefinition: def})
}

func (s *Server) writeLaunchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidRequest):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, scheduler.ErrNotConfigured):
		httpx.WriteError(w, http.StatusBadRequest, "not_configured", err.Error())
	default:
		s.logger.Printf("ERROR: launch failed: %v", err)
		httpx.WriteError(w, http.StatusInternalServerError, "launch_failed", err.Error())
	}
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	default:
		return false
	}
}

// yamlToJSON re-encodes a YAML document so the JSON step schema applies to it
// unchanged.
func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("request body must be valid YAML: %w", err)
	}
	doc, err := jsonCompatible(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func jsonCompatible(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			converted, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			typed[key] = converted
		}
		return typed, nil
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("yaml mapping key %v is not a string", key)
			}
			converted, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[name] = converted
		}
		return out, nil
	case []any:
		for i, item := range typed {
			converted, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			typed[i] = converted
		}
		return typed, nil
	default:
		return value, nil
	}
}
