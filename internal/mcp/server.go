package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskmill/internal/core"
	"taskmill/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes task management as MCP tools, over stdio or mounted
// as a streamable HTTP handler.
type MCPServer struct {
	store   *store.Store
	engine  *core.Engine
	invoker *core.Registry
	logger  *slog.Logger
	srv     *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with all tools
// registered.
func NewMCPServer(st *store.Store, engine *core.Engine, invoker *core.Registry, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:   st,
		engine:  engine,
		invoker: invoker,
		logger:  logger,
	}
	s.srv = server.NewMCPServer(
		"taskmill",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// Handler returns the server as a streamable HTTP handler for mounting
// into the API router.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools() {
	s.srv.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a task. one_time tasks need schedule 'at', recurring tasks a 5-field cron expression, trigger tasks a trigger source name"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Task kind"),
			mcp.Enum("one_time", "recurring", "trigger"),
		),
		mcp.WithString("description",
			mcp.Description("Optional free-form description"),
		),
		mcp.WithString("cron",
			mcp.Description("Cron expression for recurring tasks, e.g. '0 9 * * 1-5' for weekday mornings"),
		),
		mcp.WithString("at",
			mcp.Description("RFC3339 time for one_time tasks"),
		),
		mcp.WithString("timezone",
			mcp.Description("IANA timezone for cron evaluation, defaults to UTC"),
		),
		mcp.WithString("trigger",
			mcp.Description("Trigger source name for trigger tasks"),
		),
		mcp.WithString("action_type",
			mcp.Required(),
			mcp.Description("Action type: command, http, log or chain"),
		),
		mcp.WithString("action_config",
			mcp.Description("Action configuration as a JSON object"),
		),
		mcp.WithString("conditions",
			mcp.Description("Optional JSON array of conditions gating each run"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Per-attempt timeout in seconds"),
			mcp.Min(0),
		),
		mcp.WithNumber("max_attempts",
			mcp.Description("Retry chain length; when omitted the task fails on the first error"),
			mcp.Min(1),
		),
		mcp.WithNumber("base_backoff_seconds",
			mcp.Description("First retry delay in seconds, default 30"),
			mcp.Min(0),
		),
		mcp.WithBoolean("notify_on_failure",
			mcp.Description("Send a notification when the task fails"),
		),
		mcp.WithBoolean("notify_on_success",
			mcp.Description("Send a notification when the task succeeds"),
		),
		mcp.WithBoolean("paused",
			mcp.Description("Create the task paused"),
		),
	), s.handleCreateTask)

	s.srv.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Status filter"),
			mcp.Enum("pending", "active", "paused", "running", "completed", "failed", "cancelled"),
		),
	), s.handleListTasks)

	s.srv.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get task details including counters and next due time"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	s.srv.AddTool(mcp.NewTool("task_pause",
		mcp.WithDescription("Pause a pending or active task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handlePauseTask)

	s.srv.AddTool(mcp.NewTool("task_resume",
		mcp.WithDescription("Resume a paused task, or restart a failed or cancelled recurring task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleResumeTask)

	s.srv.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("Cancel a task; a running attempt is interrupted first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	s.srv.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its execution history"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	s.srv.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task immediately, outside its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("vars",
			mcp.Description("Optional JSON object of variables visible to conditions and the action"),
		),
	), s.handleRunTask)

	s.srv.AddTool(mcp.NewTool("task_executions",
		mcp.WithDescription("List a task's execution history, newest first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of executions to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListExecutions)

	s.srv.AddTool(mcp.NewTool("execution_get",
		mcp.WithDescription("Get one execution's details"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleGetExecution)

	s.srv.AddTool(mcp.NewTool("execution_log",
		mcp.WithDescription("Get an execution's log output"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines, default all"),
			mcp.Min(0),
		),
	), s.handleExecutionLog)

	s.srv.AddTool(mcp.NewTool("trigger_fire",
		mcp.WithDescription("Fire a trigger event; every active trigger task listening on the source is dispatched"),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Trigger source name"),
		),
		mcp.WithString("vars",
			mcp.Description("Optional JSON object of event variables visible to conditions and the action"),
		),
	), s.handleFireTrigger)

	s.srv.AddTool(mcp.NewTool("schedule_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithString("timezone",
			mcp.Description("IANA timezone, defaults to UTC"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleSchedulePreview)

	s.logger.Info("MCP tools registered", "count", 13)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	kind := core.TaskKind(mcp.ParseString(request, "kind", ""))
	switch kind {
	case core.KindOneTime, core.KindRecurring, core.KindTrigger:
	default:
		return mcp.NewToolResultError("kind must be one_time, recurring or trigger"), nil
	}

	schedule := core.Schedule{
		Cron:     strings.TrimSpace(mcp.ParseString(request, "cron", "")),
		Timezone: strings.TrimSpace(mcp.ParseString(request, "timezone", "")),
		Trigger:  strings.TrimSpace(mcp.ParseString(request, "trigger", "")),
	}
	if at := mcp.ParseString(request, "at", ""); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid at time: %v", err)), nil
		}
		utc := parsed.UTC()
		schedule.At = &utc
	}
	if err := core.ParseSchedule(kind, schedule); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}

	actionType := strings.TrimSpace(mcp.ParseString(request, "action_type", ""))
	if !s.invoker.Has(actionType) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown action type: %s", actionType)), nil
	}
	var actionConfig json.RawMessage
	if raw := mcp.ParseString(request, "action_config", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("action_config must be valid JSON"), nil
		}
		actionConfig = json.RawMessage(raw)
	}

	var conditions []core.Condition
	if raw := mcp.ParseString(request, "conditions", ""); raw != "" {
		var specs []struct {
			Type     string `json:"type"`
			Start    string `json:"start,omitempty"`
			End      string `json:"end,omitempty"`
			Timezone string `json:"timezone,omitempty"`
			Key      string `json:"key,omitempty"`
			Operator string `json:"operator,omitempty"`
			Value    string `json:"value,omitempty"`
		}
		if err := json.Unmarshal([]byte(raw), &specs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid conditions: %v", err)), nil
		}
		for _, c := range specs {
			conditions = append(conditions, core.Condition{
				Type:     core.ConditionType(c.Type),
				Start:    c.Start,
				End:      c.End,
				Timezone: c.Timezone,
				Key:      c.Key,
				Operator: core.CompareOp(c.Operator),
				Value:    c.Value,
			})
		}
		if err := core.ValidateConditions(conditions); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid conditions: %v", err)), nil
		}
	}

	var retryPolicy *core.RetryPolicy
	if maxAttempts := int(mcp.ParseFloat64(request, "max_attempts", 0)); maxAttempts > 0 {
		retryPolicy = &core.RetryPolicy{
			MaxAttempts: maxAttempts,
			BaseBackoff: time.Duration(mcp.ParseFloat64(request, "base_backoff_seconds", 30) * float64(time.Second)),
			Multiplier:  2,
		}
		if err := core.ValidateRetryPolicy(retryPolicy); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid retry policy: %v", err)), nil
		}
	}

	var timeoutPtr *int
	if timeout := int(mcp.ParseFloat64(request, "timeout_seconds", 0)); timeout > 0 {
		timeoutPtr = &timeout
	}

	var descriptionPtr *string
	if description := strings.TrimSpace(mcp.ParseString(request, "description", "")); description != "" {
		descriptionPtr = &description
	}

	task := &core.Task{
		ID:          core.NewID(),
		Name:        name,
		Description: descriptionPtr,
		Kind:        kind,
		Schedule:    schedule,
		Action:      core.ActionSpec{Type: actionType, Config: actionConfig},
		Conditions:  conditions,
		RetryPolicy: retryPolicy,
		Notify: core.NotifyPolicy{
			OnSuccess: mcp.ParseBoolean(request, "notify_on_success", false),
			OnFailure: mcp.ParseBoolean(request, "notify_on_failure", false),
		},
		TimeoutSeconds: timeoutPtr,
		Status:         core.TaskStatusPending,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	if mcp.ParseBoolean(request, "paused", false) {
		if err := s.store.PauseTask(ctx, task.ID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to pause task: %v", err)), nil
		}
		task.Status = core.TaskStatusPaused
	} else {
		next := core.ArmSchedule(kind, schedule, time.Now().UTC())
		if err := s.store.ActivateTask(ctx, task.ID, next); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to activate task: %v", err)), nil
		}
		task.Status = core.TaskStatusActive
		task.NextRunAt = next
	}

	s.logger.Info("task created", "task_id", task.ID, "kind", kind, "name", name)

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nStatus: %s\nNext run: %s",
		task.ID, task.Status, formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *core.TaskStatus
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		statusFilter = &status
	}

	tasks, err := s.store.ListTasks(ctx, statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	result := fmt.Sprintf("Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		result += fmt.Sprintf("%s %s  %s\n", taskStatusIcon(t.Status), t.ID, t.Name)
		result += fmt.Sprintf("   kind: %s  status: %s\n", t.Kind, t.Status)
		result += fmt.Sprintf("   schedule: %s\n", describeSchedule(t.Kind, t.Schedule))
		if t.NextRunAt != nil {
			result += fmt.Sprintf("   next run: %s\n", formatTime(t.NextRunAt))
		}
		result += fmt.Sprintf("   runs: %d (ok %d / failed %d)\n\n", t.RunCount, t.SuccessCount, t.FailureCount)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	result := fmt.Sprintf("Task ID: %s\nName: %s\n", task.ID, task.Name)
	if task.Description != nil {
		result += fmt.Sprintf("Description: %s\n", *task.Description)
	}
	result += fmt.Sprintf("Kind: %s\nStatus: %s\n", task.Kind, task.Status)
	result += fmt.Sprintf("Schedule: %s\n", describeSchedule(task.Kind, task.Schedule))
	result += fmt.Sprintf("Action: %s\n", task.Action.Type)
	if len(task.Conditions) > 0 {
		result += fmt.Sprintf("Conditions: %d\n", len(task.Conditions))
	}
	if task.RetryPolicy != nil {
		result += fmt.Sprintf("Retries: up to %d attempts, base backoff %s\n",
			task.RetryPolicy.MaxAttempts, task.RetryPolicy.BaseBackoff)
	}
	if task.TimeoutSeconds != nil {
		result += fmt.Sprintf("Timeout: %d seconds\n", *task.TimeoutSeconds)
	}
	result += fmt.Sprintf("Runs: %d (ok %d / failed %d)\n", task.RunCount, task.SuccessCount, task.FailureCount)
	if task.LastRunAt != nil {
		result += fmt.Sprintf("Last run: %s\n", formatTime(task.LastRunAt))
	}
	if task.NextRunAt != nil {
		result += fmt.Sprintf("Next run: %s\n", formatTime(task.NextRunAt))
	}
	result += fmt.Sprintf("Created: %s\n", formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handlePauseTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.store.PauseTask(ctx, taskID); err != nil {
		return taskTransitionError("pause", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task paused: %s", taskID)), nil
}

func (s *MCPServer) handleResumeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return taskTransitionError("resume", taskID, err), nil
	}
	next := core.ArmSchedule(task.Kind, task.Schedule, time.Now().UTC())
	if err := s.store.ResumeTask(ctx, taskID, next); err != nil {
		return taskTransitionError("resume", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task resumed: %s\nNext run: %s", taskID, formatTime(next))), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.engine.CancelTask(ctx, taskID); err != nil {
		return taskTransitionError("cancel", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled: %s", taskID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return taskTransitionError("delete", taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	var vars map[string]any
	if raw := mcp.ParseString(request, "vars", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid vars: %v", err)), nil
		}
	}
	started, err := s.engine.RunNow(ctx, taskID, vars)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to run task: %v", err)), nil
	}
	if !started {
		return mcp.NewToolResultError("task is not ready to run (not active, already running, or workers saturated)"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task dispatched: %s", taskID)), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	execs, err := s.store.ListExecutions(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions recorded for this task"), nil
	}

	result := fmt.Sprintf("Found %d executions:\n\n", len(execs))
	for _, e := range execs {
		result += fmt.Sprintf("[%s] %s\n", executionStatusIcon(e.Status), e.ID)
		result += fmt.Sprintf("    status: %s  attempt: %d  triggered by: %s\n", e.Status, e.Attempt, e.TriggeredBy)
		if e.StartedAt != nil {
			result += fmt.Sprintf("    started: %s\n", formatTime(e.StartedAt))
		}
		if e.CompletedAt != nil {
			result += fmt.Sprintf("    completed: %s\n", formatTime(e.CompletedAt))
		}
		if e.Error != nil {
			result += fmt.Sprintf("    error: %s\n", truncateString(*e.Error, 120))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := mcp.ParseString(request, "execution_id", "")
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %s", executionID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load execution: %v", err)), nil
	}

	result := fmt.Sprintf("Execution ID: %s\nTask: %s\n", exec.ID, exec.TaskID)
	result += fmt.Sprintf("Status: %s %s\nAttempt: %d\nTriggered by: %s\n",
		executionStatusIcon(exec.Status), exec.Status, exec.Attempt, exec.TriggeredBy)
	if exec.StartedAt != nil {
		result += fmt.Sprintf("Started: %s\n", formatTime(exec.StartedAt))
	}
	if exec.CompletedAt != nil {
		result += fmt.Sprintf("Completed: %s\n", formatTime(exec.CompletedAt))
	}
	if exec.DurationMs != nil {
		result += fmt.Sprintf("Duration: %s\n", time.Duration(*exec.DurationMs)*time.Millisecond)
	}
	if exec.Result != nil {
		result += fmt.Sprintf("Result: %s\n", truncateString(*exec.Result, 200))
	}
	if exec.Error != nil {
		result += fmt.Sprintf("Error: %s\n", *exec.Error)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleExecutionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := mcp.ParseString(request, "execution_id", "")
	logs, err := s.store.ListExecutionLogs(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read log: %v", err)), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No log output recorded"), nil
	}
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	var b strings.Builder
	for _, line := range logs {
		b.WriteString(line.Line)
		b.WriteByte('\n')
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleFireTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := strings.TrimSpace(mcp.ParseString(request, "source", ""))
	if source == "" {
		return mcp.NewToolResultError("source is required"), nil
	}
	var vars map[string]any
	if raw := mcp.ParseString(request, "vars", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid vars: %v", err)), nil
		}
	}
	matched, err := s.engine.FireTrigger(ctx, source, vars)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to fire trigger: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Trigger fired: %s\nTasks dispatched: %d", source, matched)), nil
}

func (s *MCPServer) handleSchedulePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	timezone := mcp.ParseString(request, "timezone", "")
	count := int(mcp.ParseFloat64(request, "count", 5))

	times, err := core.NextOccurrences(cronExpr, timezone, time.Now().UTC(), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}

	result := fmt.Sprintf("Cron: %s\n", cronExpr)
	if timezone != "" {
		result += fmt.Sprintf("Timezone: %s\n", timezone)
	}
	result += "\nUpcoming fire times (UTC):\n"
	for i, t := range times {
		result += fmt.Sprintf("  %d. %s\n", i+1, t.UTC().Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

// Helper functions

func taskTransitionError(op, taskID string, err error) *mcp.CallToolResult {
	if errors.Is(err, store.ErrTaskNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s task: %v", op, err))
}

func describeSchedule(kind core.TaskKind, s core.Schedule) string {
	switch kind {
	case core.KindOneTime:
		return "once at " + formatTime(s.At)
	case core.KindRecurring:
		if s.Timezone != "" {
			return fmt.Sprintf("cron %q in %s", s.Cron, s.Timezone)
		}
		return fmt.Sprintf("cron %q", s.Cron)
	case core.KindTrigger:
		return "on trigger " + s.Trigger
	default:
		return string(kind)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func taskStatusIcon(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusActive:
		return "▶️"
	case core.TaskStatusPaused:
		return "⏸️"
	case core.TaskStatusRunning:
		return "🔄"
	case core.TaskStatusCompleted:
		return "✅"
	case core.TaskStatusFailed:
		return "❌"
	case core.TaskStatusCancelled:
		return "🚫"
	case core.TaskStatusPending:
		return "⏳"
	default:
		return "❓"
	}
}

func executionStatusIcon(status core.ExecutionStatus) string {
	switch status {
	case core.ExecStatusCompleted:
		return "✅"
	case core.ExecStatusFailed:
		return "❌"
	case core.ExecStatusTimeout:
		return "⏱️"
	case core.ExecStatusCancelled:
		return "🚫"
	case core.ExecStatusSkipped:
		return "⏭️"
	case core.ExecStatusRunning:
		return "▶️"
	case core.ExecStatusQueued:
		return "⏳"
	default:
		return "❓"
	}
}
