package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// invokeOutcome carries an action's return values across the goroutine
// boundary.
type invokeOutcome struct {
	result string
	err    error
}

// runTask drives one leased task through condition gating, invocation,
// and settle. Every path records a terminal execution and releases the
// lease; a panicking or hanging action never takes the worker down and
// never holds the lease past the grace period.
func (e *Engine) runTask(ctx context.Context, d *dispatch) {
	task := d.task
	defer e.untrackDispatch(task.ID)
	now := e.now()

	if e.dispatchCancelled(d) {
		e.settleCancelledBeforeStart(ctx, d, now)
		return
	}

	ec := EvalContext{Now: now, Steps: map[string]string{}}
	ec = ec.WithVars(map[string]any{"task_id": task.ID, "task_name": task.Name})
	ec = ec.WithVars(d.vars)

	passed, diags := EvaluateConditions(task.Conditions, ec)
	if !passed {
		e.settleSkipped(ctx, d, diags, now)
		return
	}

	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		Attempt:     task.Attempt + 1,
		Status:      ExecStatusQueued,
		TriggeredBy: d.triggeredBy,
		CreatedAt:   now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		e.logger.Error("insert execution", "task_id", task.ID, "err", err)
		e.releaseUnrun(ctx, d)
		return
	}

	startedAt := e.now()
	if err := e.store.MarkExecutionRunning(ctx, exec.ID, startedAt); err != nil {
		e.logger.Error("mark execution running", "execution_id", exec.ID, "err", err)
		e.finishExecution(ctx, exec, ExecStatusFailed, startedAt, nil, ptrString("execution could not start: "+err.Error()), nil)
		e.releaseUnrun(ctx, d)
		return
	}
	exec.Status = ExecStatusRunning
	exec.StartedAt = &startedAt

	timeout := e.effectiveTimeout(task)
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	e.registerCancel(task.ID, cancel)
	// A cancel that landed between the queued check and handle
	// registration would otherwise be lost.
	if e.dispatchCancelled(d) {
		e.requestCancel(task.ID)
	}

	logw := &executionLogWriter{store: e.store, ctx: ctx, execID: exec.ID, now: e.now, logger: e.logger}

	outCh := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- invokeOutcome{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		result, err := e.invoker.Invoke(invokeCtx, task.Action, ec, logw)
		outCh <- invokeOutcome{result: result, err: err}
	}()

	var out invokeOutcome
	select {
	case out = <-outCh:
	case <-invokeCtx.Done():
		// cooperative stop was signalled; grant the action a grace period
		select {
		case out = <-outCh:
		case <-time.After(e.cfg.CancelGrace):
			e.logger.Warn("action unresponsive after cancel, forcing settle", "task_id", task.ID, "execution_id", exec.ID)
			out = invokeOutcome{err: invokeCtx.Err()}
		}
	}
	logw.Close()

	completedAt := e.now()
	e.settleOutcome(ctx, d, exec, out, invokeCtx.Err(), startedAt, completedAt)

	e.clearCancel(task.ID)
	cancel()
	e.pruneHistory(ctx, task.ID)
}

func (e *Engine) settleOutcome(ctx context.Context, d *dispatch, exec *Execution, out invokeOutcome, ctxErr error, startedAt, completedAt time.Time) {
	task := d.task
	duration := completedAt.Sub(startedAt).Milliseconds()

	if out.err == nil {
		e.finishExecution(ctx, exec, ExecStatusCompleted, completedAt, ptrString(out.result), nil, &duration)
		e.settleSuccess(ctx, d, exec, completedAt)
		return
	}

	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		msg := fmt.Sprintf("action timed out after %s", e.effectiveTimeout(task))
		e.appendLog(ctx, exec.ID, msg)
		e.finishExecution(ctx, exec, ExecStatusTimeout, completedAt, nil, ptrString(msg), &duration)
		e.settleFailure(ctx, d, exec, completedAt)
	case e.cancelRequested(task.ID):
		e.appendLog(ctx, exec.ID, "execution cancelled")
		e.finishExecution(ctx, exec, ExecStatusCancelled, completedAt, nil, ptrString("execution cancelled"), &duration)
		e.settle(ctx, task, TaskSettle{Status: TaskStatusCancelled})
		e.logger.Info("task cancelled", "task_id", task.ID, "execution_id", exec.ID)
	case errors.Is(ctxErr, context.Canceled):
		// shutdown interrupted the action: record it and leave the task
		// due so it re-executes after restart
		e.appendLog(ctx, exec.ID, "execution interrupted by shutdown")
		e.finishExecution(ctx, exec, ExecStatusCancelled, completedAt, nil, ptrString("execution interrupted by shutdown"), &duration)
		e.settle(ctx, task, TaskSettle{Status: TaskStatusActive, NextRunAt: &completedAt, Attempt: exec.Attempt})
	default:
		e.appendLog(ctx, exec.ID, "action failed: "+out.err.Error())
		e.finishExecution(ctx, exec, ExecStatusFailed, completedAt, nil, ptrString(out.err.Error()), &duration)
		e.settleFailure(ctx, d, exec, completedAt)
	}
}

func (e *Engine) settleSuccess(ctx context.Context, d *dispatch, exec *Execution, completedAt time.Time) {
	task := d.task
	settle := TaskSettle{
		RunDelta:     1,
		SuccessDelta: 1,
		LastRunAt:    &completedAt,
	}
	switch task.Kind {
	case KindOneTime:
		settle.Status = TaskStatusCompleted
	case KindRecurring:
		settle.Status = TaskStatusActive
		settle.NextRunAt = NextRun(task.Kind, task.Schedule, e.now())
		if settle.NextRunAt == nil {
			e.logger.Warn("recurring task has no further occurrences", "task_id", task.ID)
		}
	default:
		settle.Status = TaskStatusActive
	}
	e.settle(ctx, task, settle)
	e.logger.Info("task succeeded", "task_id", task.ID, "execution_id", exec.ID, "attempt", exec.Attempt)
	if task.Notify.OnSuccess {
		e.notifyAsync(EventSuccess, task, exec)
	}
}

// settleFailure consults the retry coordinator. A retry keeps the chain
// open: the task stays active with a backoff due time and untouched run
// counters. Exhaustion terminates the chain and notifies once.
func (e *Engine) settleFailure(ctx context.Context, d *dispatch, exec *Execution, completedAt time.Time) {
	task := d.task
	decision := Decide(task.RetryPolicy, exec.Attempt)
	if decision.Retry {
		next := e.now().Add(decision.Delay)
		e.settle(ctx, task, TaskSettle{Status: TaskStatusActive, NextRunAt: &next, Attempt: exec.Attempt})
		e.logger.Info("retry scheduled", "task_id", task.ID, "attempt", exec.Attempt, "delay", decision.Delay.String())
		return
	}
	e.settle(ctx, task, TaskSettle{
		Status:       TaskStatusFailed,
		RunDelta:     1,
		FailureDelta: 1,
		LastRunAt:    &completedAt,
	})
	e.logger.Warn("task failed, retries exhausted", "task_id", task.ID, "execution_id", exec.ID, "attempt", exec.Attempt)
	if task.Notify.OnFailure {
		e.notifyAsync(EventFailure, task, exec)
	}
}

// settleCancelledBeforeStart parks a task whose cancel arrived while its
// dispatch was still queued. Nothing was invoked; a terminal execution
// keeps the audit trail complete.
func (e *Engine) settleCancelledBeforeStart(ctx context.Context, d *dispatch, now time.Time) {
	task := d.task
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		Status:      ExecStatusCancelled,
		TriggeredBy: d.triggeredBy,
		Error:       ptrString("cancelled before start"),
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		e.logger.Error("record cancelled execution", "task_id", task.ID, "err", err)
	}
	e.settle(ctx, task, TaskSettle{Status: TaskStatusCancelled})
	e.logger.Info("task cancelled before start", "task_id", task.ID, "execution_id", exec.ID)
}

// settleSkipped records a terminal skipped execution without invoking the
// action. A skip is not an attempt: counters and the attempt chain are
// untouched, and a one-time task keeps its past due time so a later poll
// re-evaluates it against a fresh context.
func (e *Engine) settleSkipped(ctx context.Context, d *dispatch, diags []Diagnostic, now time.Time) {
	task := d.task
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		Status:      ExecStatusSkipped,
		TriggeredBy: d.triggeredBy,
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		e.logger.Error("record skipped execution", "task_id", task.ID, "err", err)
	} else {
		for _, diag := range diags {
			if diag.OK {
				e.appendLog(ctx, exec.ID, "condition ok: "+diag.Condition)
			} else {
				e.appendLog(ctx, exec.ID, fmt.Sprintf("condition not met: %s: %s", diag.Condition, diag.Reason))
			}
		}
	}

	settle := TaskSettle{Status: TaskStatusActive, NextRunAt: task.NextRunAt, Attempt: task.Attempt}
	if task.Kind == KindRecurring {
		settle.NextRunAt = NextRun(task.Kind, task.Schedule, e.now())
	}
	e.settle(ctx, task, settle)
	e.logger.Info("task skipped, conditions not met", "task_id", task.ID, "execution_id", exec.ID)
	e.pruneHistory(ctx, task.ID)
}

func (e *Engine) settle(ctx context.Context, task *Task, settle TaskSettle) {
	if err := e.store.SettleTask(ctx, task.ID, e.cfg.Holder, settle); err != nil {
		e.logger.Error("settle task", "task_id", task.ID, "err", err)
	}
}

func (e *Engine) finishExecution(ctx context.Context, exec *Execution, status ExecutionStatus, completedAt time.Time, result, errMsg *string, durationMs *int64) {
	exec.Status = status
	exec.CompletedAt = &completedAt
	exec.Result = result
	exec.Error = errMsg
	exec.DurationMs = durationMs
	if err := e.store.FinishExecution(ctx, exec.ID, status, completedAt, result, errMsg, durationMs); err != nil {
		e.logger.Error("finish execution", "execution_id", exec.ID, "status", string(status), "err", err)
	}
}

func (e *Engine) appendLog(ctx context.Context, execID, line string) {
	if err := e.store.AppendExecutionLog(ctx, execID, e.now(), line); err != nil {
		e.logger.Warn("append execution log", "execution_id", execID, "err", err)
	}
}

func (e *Engine) pruneHistory(ctx context.Context, taskID string) {
	if e.cfg.HistoryKeep <= 0 {
		return
	}
	if err := e.store.PruneExecutions(ctx, taskID, e.cfg.HistoryKeep); err != nil {
		e.logger.Warn("prune executions", "task_id", taskID, "err", err)
	}
}

// executionLogWriter converts an action's output stream into timestamped
// execution log lines. Close flushes the tail; writes after Close are
// dropped so an abandoned action cannot keep appending to a settled
// execution.
type executionLogWriter struct {
	store  Store
	ctx    context.Context
	execID string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	pending []byte
	closed  bool
}

func (w *executionLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		w.emit(line)
	}
	return len(p), nil
}

func (w *executionLogWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if len(w.pending) > 0 {
		w.emit(strings.TrimRight(string(w.pending), "\r\n"))
		w.pending = nil
	}
	w.closed = true
}

func (w *executionLogWriter) emit(line string) {
	if line == "" {
		return
	}
	if err := w.store.AppendExecutionLog(w.ctx, w.execID, w.now(), line); err != nil {
		w.logger.Warn("append execution log", "execution_id", w.execID, "err", err)
	}
}

func ptrString(v string) *string {
	return &v
}
