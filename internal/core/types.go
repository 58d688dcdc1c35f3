package core

import (
	"encoding/json"
	"time"
)

// TaskKind selects how a task becomes due.
type TaskKind string

const (
	KindOneTime   TaskKind = "one_time"
	KindRecurring TaskKind = "recurring"
	KindTrigger   TaskKind = "trigger"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further executions can happen without an
// explicit admin transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ExecutionStatus describes the state of an individual execution attempt.
type ExecutionStatus string

const (
	ExecStatusQueued    ExecutionStatus = "queued"
	ExecStatusRunning   ExecutionStatus = "running"
	ExecStatusCompleted ExecutionStatus = "completed"
	ExecStatusFailed    ExecutionStatus = "failed"
	ExecStatusCancelled ExecutionStatus = "cancelled"
	ExecStatusTimeout   ExecutionStatus = "timeout"
	ExecStatusSkipped   ExecutionStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecStatusQueued && s != ExecStatusRunning
}

// executionTransitions lists the allowed forward moves. Terminal statuses
// have no successors; records never move backward.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecStatusQueued:  {ExecStatusRunning, ExecStatusCancelled, ExecStatusTimeout, ExecStatusFailed, ExecStatusSkipped},
	ExecStatusRunning: {ExecStatusCompleted, ExecStatusFailed, ExecStatusCancelled, ExecStatusTimeout},
}

// CanTransitionExecution reports whether an execution may move from one
// status to another.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, s := range executionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Values recorded in Execution.TriggeredBy. Trigger tasks record their
// trigger source id instead.
const (
	TriggeredBySchedule = "schedule"
	TriggeredByManual   = "manual"
)

// Schedule is the kind-tagged schedule variant: At for one_time tasks,
// Cron+Timezone for recurring tasks, Trigger for trigger tasks.
type Schedule struct {
	At       *time.Time
	Cron     string
	Timezone string
	Trigger  string
}

// ActionSpec names the registered action type and carries its opaque
// configuration payload.
type ActionSpec struct {
	Type   string
	Config json.RawMessage
}

// ConditionType tags the condition variants.
type ConditionType string

const (
	CondTimeWindow ConditionType = "time_window"
	CondVariable   ConditionType = "variable"
	CondUpstream   ConditionType = "upstream_result"
)

// CompareOp is the operator applied by variable and upstream_result
// conditions.
type CompareOp string

const (
	OpEquals   CompareOp = "equals"
	OpContains CompareOp = "contains"
	OpGreater  CompareOp = "greater"
	OpLess     CompareOp = "less"
	OpExists   CompareOp = "exists"
)

// Condition is one pre-execution gate. Start/End ("HH:MM") and Timezone
// apply to time_window conditions; Key/Operator/Value to the others.
type Condition struct {
	Type     ConditionType
	Start    string
	End      string
	Timezone string
	Key      string
	Operator CompareOp
	Value    string
}

// RetryPolicy controls retries after failed or timed-out attempts. A nil
// policy means any failure is terminal.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Multiplier  float64
}

// NotifyPolicy selects which chain outcomes produce a notification and on
// which channels. Empty Channels means the default channel.
type NotifyPolicy struct {
	OnSuccess bool
	OnFailure bool
	Channels  []string
}

// Task represents a declared unit of one-shot, recurring, or
// trigger-driven automation.
type Task struct {
	ID             string
	Name           string
	Description    *string
	Kind           TaskKind
	Schedule       Schedule
	Action         ActionSpec
	Conditions     []Condition
	RetryPolicy    *RetryPolicy
	Notify         NotifyPolicy
	TimeoutSeconds *int
	Status         TaskStatus
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	RunCount       int
	SuccessCount   int
	FailureCount   int
	// Attempt counts attempts within the current retry chain; zero between
	// chains. Run counters only move when a chain terminates.
	Attempt         int
	LeaseHolder     *string
	LeaseAcquiredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Execution captures a single attempt to run a task's action.
type Execution struct {
	ID          string
	TaskID      string
	Attempt     int
	Status      ExecutionStatus
	TriggeredBy string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *string
	Error       *string
	DurationMs  *int64
	CreatedAt   time.Time
}

// ExecutionLog is one timestamped, append-only log line of an execution.
type ExecutionLog struct {
	ID          int64
	ExecutionID string
	TS          time.Time
	Line        string
}

// EvalContext carries everything condition evaluation and action
// invocation may reference. Callers supply all values; evaluation itself
// performs no I/O and reads no clocks.
type EvalContext struct {
	Now   time.Time
	Vars  map[string]any
	Steps map[string]string
}

// WithVars returns a copy with extra variables merged in, later values
// winning. The receiver is not modified.
func (ec EvalContext) WithVars(vars map[string]any) EvalContext {
	if len(vars) == 0 {
		return ec
	}
	merged := make(map[string]any, len(ec.Vars)+len(vars))
	for k, v := range ec.Vars {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	ec.Vars = merged
	return ec
}

// Diagnostic records the outcome of one condition gate.
type Diagnostic struct {
	Condition string
	OK        bool
	Reason    string
}

// RetryDecision is the retry coordinator's verdict for a failed attempt:
// either retry after Delay, or the chain is exhausted.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// TaskSettle describes the task-side outcome of a finished execution,
// applied by the store in one guarded update that also releases the lease.
type TaskSettle struct {
	Status       TaskStatus
	NextRunAt    *time.Time
	Attempt      int
	RunDelta     int
	SuccessDelta int
	FailureDelta int
	LastRunAt    *time.Time
}

// NotifyEvent is the chain outcome reported to notification sinks.
type NotifyEvent string

const (
	EventSuccess NotifyEvent = "success"
	EventFailure NotifyEvent = "failure"
)
