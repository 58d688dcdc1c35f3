package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskmill/internal/core"
	"taskmill/internal/store"

	"github.com/go-chi/chi/v5"
)

type scheduleSpec struct {
	At       *time.Time `json:"at,omitempty"`
	Cron     string     `json:"cron,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	Trigger  string     `json:"trigger,omitempty"`
}

type actionSpec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

type conditionSpec struct {
	Type     string `json:"type"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Key      string `json:"key,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
}

type retrySpec struct {
	MaxAttempts     int     `json:"max_attempts"`
	BaseBackoffSecs float64 `json:"base_backoff_s,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
}

type notifySpec struct {
	OnSuccess bool     `json:"on_success,omitempty"`
	OnFailure bool     `json:"on_failure,omitempty"`
	Channels  []string `json:"channels,omitempty"`
}

type createTaskRequest struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Kind        string          `json:"kind"`
	Schedule    scheduleSpec    `json:"schedule"`
	Action      actionSpec      `json:"action"`
	Conditions  []conditionSpec `json:"conditions,omitempty"`
	Retry       *retrySpec      `json:"retry,omitempty"`
	Notify      *notifySpec     `json:"notify,omitempty"`
	TimeoutSecs *int            `json:"timeout_s,omitempty"`
	Paused      bool            `json:"paused,omitempty"`
}

type taskResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  *string         `json:"description,omitempty"`
	Kind         string          `json:"kind"`
	Schedule     scheduleSpec    `json:"schedule"`
	Action       actionSpec      `json:"action"`
	Conditions   []conditionSpec `json:"conditions,omitempty"`
	Retry        *retrySpec      `json:"retry,omitempty"`
	Notify       *notifySpec     `json:"notify,omitempty"`
	TimeoutSecs  *int            `json:"timeout_s,omitempty"`
	Status       string          `json:"status"`
	NextRunAt    *string         `json:"next_run_at,omitempty"`
	LastRunAt    *string         `json:"last_run_at,omitempty"`
	RunCount     int             `json:"run_count"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
	Attempt      int             `json:"attempt,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type runTaskRequest struct {
	Vars map[string]any `json:"vars,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	kind := core.TaskKind(strings.TrimSpace(req.Kind))
	switch kind {
	case core.KindOneTime, core.KindRecurring, core.KindTrigger:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "kind must be one_time, recurring or trigger")
		return
	}

	schedule := core.Schedule{
		At:       req.Schedule.At,
		Cron:     strings.TrimSpace(req.Schedule.Cron),
		Timezone: strings.TrimSpace(req.Schedule.Timezone),
		Trigger:  strings.TrimSpace(req.Schedule.Trigger),
	}
	if err := core.ParseSchedule(kind, schedule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}

	req.Action.Type = strings.TrimSpace(req.Action.Type)
	if req.Action.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "action type is required")
		return
	}
	if !s.invoker.Has(req.Action.Type) {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown action type: "+req.Action.Type)
		return
	}

	conditions := make([]core.Condition, 0, len(req.Conditions))
	for _, c := range req.Conditions {
		conditions = append(conditions, conditionFromSpec(c))
	}
	if err := core.ValidateConditions(conditions); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_condition", err.Error())
		return
	}

	var retryPolicy *core.RetryPolicy
	if req.Retry != nil {
		retryPolicy = &core.RetryPolicy{
			MaxAttempts: req.Retry.MaxAttempts,
			BaseBackoff: time.Duration(req.Retry.BaseBackoffSecs * float64(time.Second)),
			Multiplier:  req.Retry.Multiplier,
		}
		if retryPolicy.BaseBackoff <= 0 {
			retryPolicy.BaseBackoff = 30 * time.Second
		}
		if retryPolicy.Multiplier == 0 {
			retryPolicy.Multiplier = 2
		}
		if err := core.ValidateRetryPolicy(retryPolicy); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}

	var notify core.NotifyPolicy
	if req.Notify != nil {
		notify = core.NotifyPolicy{
			OnSuccess: req.Notify.OnSuccess,
			OnFailure: req.Notify.OnFailure,
			Channels:  req.Notify.Channels,
		}
	}

	if req.TimeoutSecs != nil && *req.TimeoutSecs < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeout_s must be non-negative")
		return
	}
	var timeoutPtr *int
	if req.TimeoutSecs != nil && *req.TimeoutSecs > 0 {
		timeout := *req.TimeoutSecs
		timeoutPtr = &timeout
	}

	task := &core.Task{
		ID:             core.NewID(),
		Name:           req.Name,
		Description:    trimPtr(req.Description),
		Kind:           kind,
		Schedule:       schedule,
		Action:         core.ActionSpec{Type: req.Action.Type, Config: req.Action.Config},
		Conditions:     conditions,
		RetryPolicy:    retryPolicy,
		Notify:         notify,
		TimeoutSeconds: timeoutPtr,
		Status:         core.TaskStatusPending,
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}

	if req.Paused {
		if err := s.store.PauseTask(r.Context(), task.ID); err != nil {
			s.logger.Error("pause new task", "task_id", task.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to pause task")
			return
		}
		task.Status = core.TaskStatusPaused
	} else {
		next := core.ArmSchedule(kind, schedule, time.Now().UTC())
		if err := s.store.ActivateTask(r.Context(), task.ID, next); err != nil {
			s.logger.Error("activate task", "task_id", task.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to activate task")
			return
		}
		task.Status = core.TaskStatusActive
		task.NextRunAt = next
	}

	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusPending, core.TaskStatusActive, core.TaskStatusPaused,
			core.TaskStatusRunning, core.TaskStatusCompleted, core.TaskStatusFailed,
			core.TaskStatusCancelled:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeTransitionError(w, "delete task", taskID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.PauseTask(r.Context(), taskID); err != nil {
		s.writeTransitionError(w, "pause task", taskID, err)
		return
	}
	s.respondTask(w, r, taskID)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for resume", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	next := core.ArmSchedule(task.Kind, task.Schedule, time.Now().UTC())
	if err := s.store.ResumeTask(r.Context(), taskID, next); err != nil {
		s.writeTransitionError(w, "resume task", taskID, err)
		return
	}
	s.respondTask(w, r, taskID)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.engine.CancelTask(r.Context(), taskID); err != nil {
		s.writeTransitionError(w, "cancel task", taskID, err)
		return
	}
	s.respondTask(w, r, taskID)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req runTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	started, err := s.engine.RunNow(r.Context(), taskID, req.Vars)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("run task now", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start task")
		return
	}
	if !started {
		writeError(w, http.StatusConflict, "conflict", "task is not ready to run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "state": "dispatched"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for executions list", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	execs, err := s.store.ListExecutions(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list executions", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}

	resp := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		resp = append(resp, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// respondTask reloads the task after a transition so the client sees the
// fresh status.
func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.logger.Error("reload task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) writeTransitionError(w http.ResponseWriter, op, taskID string, err error) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrTaskRunning):
		writeError(w, http.StatusConflict, "conflict", "task is running")
	case errors.Is(err, core.ErrNotResumable), errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error(op, "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func conditionFromSpec(c conditionSpec) core.Condition {
	return core.Condition{
		Type:     core.ConditionType(strings.TrimSpace(c.Type)),
		Start:    strings.TrimSpace(c.Start),
		End:      strings.TrimSpace(c.End),
		Timezone: strings.TrimSpace(c.Timezone),
		Key:      strings.TrimSpace(c.Key),
		Operator: core.CompareOp(strings.TrimSpace(c.Operator)),
		Value:    c.Value,
	}
}

func conditionToSpec(c core.Condition) conditionSpec {
	return conditionSpec{
		Type:     string(c.Type),
		Start:    c.Start,
		End:      c.End,
		Timezone: c.Timezone,
		Key:      c.Key,
		Operator: string(c.Operator),
		Value:    c.Value,
	}
}

func taskToResponse(task *core.Task) taskResponse {
	var last, next *string
	if task.LastRunAt != nil {
		formatted := task.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	if task.NextRunAt != nil {
		formatted := task.NextRunAt.UTC().Format(time.RFC3339)
		next = &formatted
	}
	var conditions []conditionSpec
	for _, c := range task.Conditions {
		conditions = append(conditions, conditionToSpec(c))
	}
	var retry *retrySpec
	if task.RetryPolicy != nil {
		retry = &retrySpec{
			MaxAttempts:     task.RetryPolicy.MaxAttempts,
			BaseBackoffSecs: task.RetryPolicy.BaseBackoff.Seconds(),
			Multiplier:      task.RetryPolicy.Multiplier,
		}
	}
	var notify *notifySpec
	if task.Notify.OnSuccess || task.Notify.OnFailure || len(task.Notify.Channels) > 0 {
		notify = &notifySpec{
			OnSuccess: task.Notify.OnSuccess,
			OnFailure: task.Notify.OnFailure,
			Channels:  task.Notify.Channels,
		}
	}
	return taskResponse{
		ID:          task.ID,
		Name:        task.Name,
		Description: task.Description,
		Kind:        string(task.Kind),
		Schedule: scheduleSpec{
			At:       task.Schedule.At,
			Cron:     task.Schedule.Cron,
			Timezone: task.Schedule.Timezone,
			Trigger:  task.Schedule.Trigger,
		},
		Action:       actionSpec{Type: task.Action.Type, Config: task.Action.Config},
		Conditions:   conditions,
		Retry:        retry,
		Notify:       notify,
		TimeoutSecs:  task.TimeoutSeconds,
		Status:       string(task.Status),
		NextRunAt:    next,
		LastRunAt:    last,
		RunCount:     task.RunCount,
		SuccessCount: task.SuccessCount,
		FailureCount: task.FailureCount,
		Attempt:      task.Attempt,
		CreatedAt:    task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
