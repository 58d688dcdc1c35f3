package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskmill/internal/core"
	"taskmill/internal/store"

	"github.com/go-chi/chi/v5"
)

type executionResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Attempt     int     `json:"attempt"`
	Status      string  `json:"status"`
	TriggeredBy string  `json:"triggered_by"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
	DurationMs  *int64  `json:"duration_ms,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
		} else {
			s.logger.Error("get execution", "execution_id", executionID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load execution")
		}
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
		} else {
			s.logger.Error("get execution for log", "execution_id", executionID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load execution")
		}
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := r.URL.Query().Get("follow") == "1" || r.URL.Query().Get("follow") == "true"

	logs, err := s.store.ListExecutionLogs(r.Context(), executionID)
	if err != nil {
		s.logger.Error("list execution logs", "execution_id", executionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	var lastID int64
	for _, line := range logs {
		fmt.Fprintln(w, line.Line)
		lastID = line.ID
	}

	if !follow {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			logs, err := s.store.ListExecutionLogs(r.Context(), executionID)
			if err != nil {
				return
			}
			wrote := false
			for _, line := range logs {
				if line.ID <= lastID {
					continue
				}
				fmt.Fprintln(w, line.Line)
				lastID = line.ID
				wrote = true
			}
			if wrote {
				flusher.Flush()
			}
			if !exec.Status.Terminal() {
				if refreshed, err := s.store.GetExecution(r.Context(), executionID); err == nil {
					exec = refreshed
				}
			}
			if exec.Status.Terminal() && !wrote {
				return
			}
		}
	}
}

func executionToResponse(exec *core.Execution) executionResponse {
	var started, completed *string
	if exec.StartedAt != nil {
		formatted := exec.StartedAt.UTC().Format(time.RFC3339)
		started = &formatted
	}
	if exec.CompletedAt != nil {
		formatted := exec.CompletedAt.UTC().Format(time.RFC3339)
		completed = &formatted
	}
	return executionResponse{
		ID:          exec.ID,
		TaskID:      exec.TaskID,
		Attempt:     exec.Attempt,
		Status:      string(exec.Status),
		TriggeredBy: exec.TriggeredBy,
		StartedAt:   started,
		CompletedAt: completed,
		Result:      exec.Result,
		Error:       exec.Error,
		DurationMs:  exec.DurationMs,
		CreatedAt:   exec.CreatedAt.UTC().Format(time.RFC3339),
	}
}
