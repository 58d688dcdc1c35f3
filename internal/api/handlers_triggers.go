package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type fireTriggerRequest struct {
	Vars map[string]any `json:"vars,omitempty"`
}

type fireTriggerResponse struct {
	Source  string `json:"source"`
	Matched int    `json:"matched"`
}

func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(chi.URLParam(r, "source"))
	if source == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "trigger source is required")
		return
	}
	var req fireTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	matched, err := s.engine.FireTrigger(r.Context(), source, req.Vars)
	if err != nil {
		s.logger.Error("fire trigger", "source", source, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fire trigger")
		return
	}
	writeJSON(w, http.StatusOK, fireTriggerResponse{Source: source, Matched: matched})
}
