package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmill/internal/core"
)

// ErrTaskNotFound is returned when a task lookup matches no row.
var ErrTaskNotFound = errors.New("task not found")

// ErrLeaseLost is returned when a settle targets a lease the caller no
// longer holds, typically because a recovery sweep reclaimed the task.
var ErrLeaseLost = errors.New("task lease not held")

const taskColumns = `id, name, description, kind, schedule, action, conditions, retry_policy, notify,
	timeout_seconds, status, next_run_at, last_run_at, run_count, success_count, failure_count,
	attempt, lease_holder, lease_acquired_at, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	schedule, err := encodeSchedule(task.Schedule)
	if err != nil {
		return err
	}
	action, err := encodeAction(task.Action)
	if err != nil {
		return err
	}
	conditions, err := encodeConditions(task.Conditions)
	if err != nil {
		return err
	}
	retry, err := encodeRetry(task.RetryPolicy)
	if err != nil {
		return err
	}
	notify, err := encodeNotify(task.Notify)
	if err != nil {
		return err
	}
	var triggerSource any
	if task.Kind == core.KindTrigger && task.Schedule.Trigger != "" {
		triggerSource = task.Schedule.Trigger
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, kind, schedule, trigger_source, action, conditions,
			retry_policy, notify, timeout_seconds, status, next_run_at, last_run_at,
			run_count, success_count, failure_count, attempt, lease_holder, lease_acquired_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, nullableString(task.Description), task.Kind, schedule, triggerSource,
		action, conditions, retry, notify, nullableInt(task.TimeoutSeconds), task.Status,
		nullableTime(task.NextRunAt), nullableTime(task.LastRunAt),
		task.RunCount, task.SuccessCount, task.FailureCount, task.Attempt,
		nullableString(task.LeaseHolder), nullableTime(task.LeaseAcquiredAt),
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListDueTasks returns active tasks whose next_run_at has arrived, oldest
// due first.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, core.TaskStatusActive, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTriggerTasks returns active trigger tasks bound to the given source.
func (s *Store) ListTriggerTasks(ctx context.Context, source string) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND trigger_source = ?
		ORDER BY created_at ASC
	`, core.TaskStatusActive, source)
	if err != nil {
		return nil, fmt.Errorf("query trigger tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListRunningTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?`, core.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TryAcquireLease atomically claims an active task for execution. The
// conditional update is the only claim path; with many concurrent callers
// exactly one sees rows affected.
func (s *Store) TryAcquireLease(ctx context.Context, id, holder string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, lease_holder = ?, lease_acquired_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusRunning, holder, now.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id, core.TaskStatusActive)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease rows: %w", err)
	}
	return rows > 0, nil
}

// SettleTask applies the outcome of a finished execution and releases the
// lease in one guarded update. The guard on lease_holder means a settle
// racing a recovery sweep cannot clobber the recovered row.
func (s *Store) SettleTask(ctx context.Context, id, holder string, settle core.TaskSettle) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = ?, attempt = ?,
			run_count = run_count + ?, success_count = success_count + ?, failure_count = failure_count + ?,
			last_run_at = COALESCE(?, last_run_at),
			lease_holder = NULL, lease_acquired_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND lease_holder = ?
	`, settle.Status, nullableTime(settle.NextRunAt), settle.Attempt,
		settle.RunDelta, settle.SuccessDelta, settle.FailureDelta,
		nullableTime(settle.LastRunAt), time.Now().UTC().Format(time.RFC3339Nano),
		id, core.TaskStatusRunning, holder)
	if err != nil {
		return fmt.Errorf("settle task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle task rows: %w", err)
	}
	if rows == 0 {
		if _, err := s.taskStatus(ctx, id); errors.Is(err, ErrTaskNotFound) {
			return ErrTaskNotFound
		}
		return ErrLeaseLost
	}
	return nil
}

// RecoverTask reclaims a task whose lease went stale: any non-terminal
// execution is finalized as a timeout (a synthetic one is recorded if the
// holder crashed before inserting any), and the task returns to active,
// due immediately.
func (s *Store) RecoverTask(ctx context.Context, id string, now time.Time, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recover: %w", err)
	}
	defer tx.Rollback()

	var attempt int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt FROM tasks WHERE id = ? AND status = ?`, id, core.TaskStatusRunning,
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		// Settled or recovered by someone else in the meantime.
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover task lookup: %w", err)
	}

	ts := now.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = ?, error = ?
		WHERE task_id = ? AND status IN (?, ?)
	`, core.ExecStatusTimeout, ts, reason, id, core.ExecStatusQueued, core.ExecStatusRunning)
	if err != nil {
		return fmt.Errorf("finalize stale executions: %w", err)
	}
	finalized, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize stale executions rows: %w", err)
	}
	if finalized == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (id, task_id, attempt, status, triggered_by, completed_at, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, core.NewID(), id, attempt+1, core.ExecStatusTimeout, core.TriggeredBySchedule, ts, reason, ts)
		if err != nil {
			return fmt.Errorf("record synthetic timeout: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = ?, attempt = ?,
			lease_holder = NULL, lease_acquired_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusActive, ts, attempt+1,
		time.Now().UTC().Format(time.RFC3339Nano), id, core.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("recover task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recover: %w", err)
	}
	return nil
}

// ActivateTask moves a pending task to active with its first due time.
func (s *Store) ActivateTask(ctx context.Context, id string, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusActive, nullableTime(nextRunAt),
		time.Now().UTC().Format(time.RFC3339Nano), id, core.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("activate task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate task rows: %w", err)
	}
	if rows == 0 {
		return s.guardErr(ctx, id, core.ErrInvalidTransition)
	}
	return nil
}

// PauseTask suspends a pending or active task. The due time is cleared;
// resuming recomputes it.
func (s *Store) PauseTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, core.TaskStatusPaused, time.Now().UTC().Format(time.RFC3339Nano),
		id, core.TaskStatusPending, core.TaskStatusActive)
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pause task rows: %w", err)
	}
	if rows == 0 {
		return s.guardErr(ctx, id, core.ErrInvalidTransition)
	}
	return nil
}

// ResumeTask returns a paused task to active, or restarts a failed or
// cancelled recurring/trigger task. One-time tasks only resume from
// paused; once terminal they stay terminal. The retry chain resets.
func (s *Store) ResumeTask(ctx context.Context, id string, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = ?, attempt = 0, updated_at = ?
		WHERE id = ? AND (status = ? OR (status IN (?, ?) AND kind <> ?))
	`, core.TaskStatusActive, nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano),
		id, core.TaskStatusPaused, core.TaskStatusFailed, core.TaskStatusCancelled, core.KindOneTime)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resume task rows: %w", err)
	}
	if rows == 0 {
		return s.guardErr(ctx, id, core.ErrNotResumable)
	}
	return nil
}

// CancelTask cancels a task that is not currently executing. Running
// tasks are cancelled through the engine so the in-flight attempt is
// interrupted first.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = NULL, attempt = 0,
			lease_holder = NULL, lease_acquired_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, core.TaskStatusCancelled, time.Now().UTC().Format(time.RFC3339Nano),
		id, core.TaskStatusPending, core.TaskStatusActive, core.TaskStatusPaused)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel task rows: %w", err)
	}
	if rows == 0 {
		return s.guardErr(ctx, id, core.ErrInvalidTransition)
	}
	return nil
}

// DeleteTask removes a task and, through foreign keys, its executions and
// logs. Running tasks are refused.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND status <> ?`, id, core.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.guardErr(ctx, id, core.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) taskStatus(ctx context.Context, id string) (core.TaskStatus, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query task status: %w", err)
	}
	return core.TaskStatus(status), nil
}

// guardErr explains why a guarded transition matched no row.
func (s *Store) guardErr(ctx context.Context, id string, fallback error) error {
	status, err := s.taskStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == core.TaskStatusRunning {
		return core.ErrTaskRunning
	}
	return fmt.Errorf("%w: task is %s", fallback, status)
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id          string
		name        string
		description sql.NullString
		kind        string
		schedule    string
		action      string
		conditions  sql.NullString
		retry       sql.NullString
		notify      sql.NullString
		timeout     sql.NullInt64
		status      string
		nextRun     sql.NullString
		lastRun     sql.NullString
		runCount    int
		okCount     int
		failCount   int
		attempt     int
		leaseHolder sql.NullString
		leaseAt     sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&id, &name, &description, &kind, &schedule, &action, &conditions,
		&retry, &notify, &timeout, &status, &nextRun, &lastRun,
		&runCount, &okCount, &failCount, &attempt, &leaseHolder, &leaseAt,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:           id,
		Name:         name,
		Kind:         core.TaskKind(kind),
		Status:       core.TaskStatus(status),
		RunCount:     runCount,
		SuccessCount: okCount,
		FailureCount: failCount,
		Attempt:      attempt,
	}
	var err error
	if task.Schedule, err = decodeSchedule(schedule); err != nil {
		return nil, err
	}
	if task.Action, err = decodeAction(action); err != nil {
		return nil, err
	}
	if conditions.Valid {
		if task.Conditions, err = decodeConditions(conditions.String); err != nil {
			return nil, err
		}
	}
	if retry.Valid {
		if task.RetryPolicy, err = decodeRetry(retry.String); err != nil {
			return nil, err
		}
	}
	if notify.Valid {
		if task.Notify, err = decodeNotify(notify.String); err != nil {
			return nil, err
		}
	}
	if description.Valid {
		task.Description = &description.String
	}
	if timeout.Valid {
		val := int(timeout.Int64)
		task.TimeoutSeconds = &val
	}
	if nextRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRun.String); err == nil {
			task.NextRunAt = &t
		}
	}
	if lastRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			task.LastRunAt = &t
		}
	}
	if leaseHolder.Valid {
		task.LeaseHolder = &leaseHolder.String
	}
	if leaseAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, leaseAt.String); err == nil {
			task.LeaseAcquiredAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
