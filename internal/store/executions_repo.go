package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmill/internal/core"
)

// ErrExecutionNotFound is returned when an execution lookup matches no row.
var ErrExecutionNotFound = errors.New("execution not found")

const executionColumns = `id, task_id, attempt, status, triggered_by, started_at, completed_at,
	result, error, duration_ms, created_at`

func (s *Store) InsertExecution(ctx context.Context, exec *core.Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, attempt, status, triggered_by, started_at, completed_at,
			result, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.TaskID, exec.Attempt, exec.Status, exec.TriggeredBy,
		nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		nullableString(exec.Result), nullableString(exec.Error), nullableInt64(exec.DurationMs),
		exec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, core.ExecStatusRunning, startedAt.UTC().Format(time.RFC3339Nano), id, core.ExecStatusQueued)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.executionGuardErr(ctx, id, core.ExecStatusRunning)
	}
	return nil
}

// FinishExecution records a terminal outcome. Transitions only move
// forward; finishing an already-terminal execution is rejected, so a late
// worker settle cannot overwrite a recovery sweep's timeout verdict.
func (s *Store) FinishExecution(ctx context.Context, id string, status core.ExecutionStatus, completedAt time.Time, result, errMsg *string, durationMs *int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish execution: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("finish execution lookup: %w", err)
	}
	if !core.CanTransitionExecution(core.ExecutionStatus(current), status) {
		return fmt.Errorf("%w: execution is %s, cannot become %s", core.ErrInvalidTransition, current, status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = ?, result = ?, error = ?, duration_ms = ?
		WHERE id = ? AND status = ?
	`, status, completedAt.UTC().Format(time.RFC3339Nano),
		nullableString(result), nullableString(errMsg), nullableInt64(durationMs), id, current)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *Store) AppendExecutionLog(ctx context.Context, executionID string, ts time.Time, line string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, ts, line)
		VALUES (?, ?, ?)
	`, executionID, ts.UTC().Format(time.RFC3339Nano), line)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns an execution's log lines in append order.
func (s *Store) ListExecutionLogs(ctx context.Context, executionID string) ([]*core.ExecutionLog, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, execution_id, ts, line FROM execution_logs
		WHERE execution_id = ?
		ORDER BY id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()
	var logs []*core.ExecutionLog
	for rows.Next() {
		var (
			log core.ExecutionLog
			ts  string
		)
		if err := rows.Scan(&log.ID, &log.ExecutionID, &ts, &log.Line); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		log.TS = mustParseTime(ts)
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// PruneExecutions deletes a task's executions beyond the keep newest,
// cascading to their logs.
func (s *Store) PruneExecutions(ctx context.Context, taskID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM executions
		WHERE id IN (
			SELECT id FROM executions
			WHERE task_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)
	`, taskID, keep)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

func (s *Store) executionGuardErr(ctx context.Context, id string, to core.ExecutionStatus) error {
	var current string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("query execution status: %w", err)
	}
	return fmt.Errorf("%w: execution is %s, cannot become %s", core.ErrInvalidTransition, current, to)
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.Execution, error) {
	var (
		id          string
		taskID      string
		attempt     int
		status      string
		triggeredBy string
		startedAt   sql.NullString
		completedAt sql.NullString
		result      sql.NullString
		errMsg      sql.NullString
		durationMs  sql.NullInt64
		createdAt   string
	)
	if err := scanner.Scan(&id, &taskID, &attempt, &status, &triggeredBy,
		&startedAt, &completedAt, &result, &errMsg, &durationMs, &createdAt); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec := &core.Execution{
		ID:          id,
		TaskID:      taskID,
		Attempt:     attempt,
		Status:      core.ExecutionStatus(status),
		TriggeredBy: triggeredBy,
		CreatedAt:   mustParseTime(createdAt),
	}
	if startedAt.Valid {
		t := mustParseTime(startedAt.String)
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := mustParseTime(completedAt.String)
		exec.CompletedAt = &t
	}
	if result.Valid {
		exec.Result = &result.String
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	if durationMs.Valid {
		exec.DurationMs = &durationMs.Int64
	}
	return exec, nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}
