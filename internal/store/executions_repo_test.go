package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskmill/internal/core"
)

func insertExec(t *testing.T, st *Store, id, taskID string, attempt int, createdAt time.Time) {
	t.Helper()
	exec := &core.Execution{
		ID:          id,
		TaskID:      taskID,
		Attempt:     attempt,
		Status:      core.ExecStatusQueued,
		TriggeredBy: core.TriggeredBySchedule,
		CreatedAt:   createdAt,
	}
	if err := st.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("failed to insert execution %s: %v", id, err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))
	insertExec(t, st, "exec-1", "parent", 1, now)

	got, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.ExecStatusQueued || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("fresh execution in wrong shape: %+v", got)
	}

	startedAt := now.Add(time.Second)
	if err := st.MarkExecutionRunning(ctx, "exec-1", startedAt); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, _ = st.GetExecution(ctx, "exec-1")
	if got.Status != core.ExecStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(startedAt) {
		t.Errorf("start time mismatch: %v", got.StartedAt)
	}

	// Running is not re-enterable.
	if err := st.MarkExecutionRunning(ctx, "exec-1", startedAt); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	result := "3 files processed"
	duration := int64(2150)
	completedAt := startedAt.Add(2 * time.Second)
	if err := st.FinishExecution(ctx, "exec-1", core.ExecStatusCompleted, completedAt, &result, nil, &duration); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ = st.GetExecution(ctx, "exec-1")
	if got.Status != core.ExecStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != result {
		t.Errorf("result mismatch: %v", got.Result)
	}
	if got.Error != nil {
		t.Errorf("unexpected error recorded: %v", got.Error)
	}
	if got.DurationMs == nil || *got.DurationMs != duration {
		t.Errorf("duration mismatch: %v", got.DurationMs)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Errorf("completion time mismatch: %v", got.CompletedAt)
	}
}

func TestFinishExecution_TerminalIsFinal(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))
	insertExec(t, st, "exec-done", "parent", 1, now)

	if err := st.FinishExecution(ctx, "exec-done", core.ExecStatusSkipped, now, nil, nil, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	err := st.FinishExecution(ctx, "exec-done", core.ExecStatusCompleted, now, nil, nil, nil)
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on a settled execution, got %v", err)
	}

	if err := st.FinishExecution(ctx, "missing", core.ExecStatusCompleted, now, nil, nil, nil); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
	if err := st.MarkExecutionRunning(ctx, "missing", now); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestFinishExecution_QueuedCanTimeOut(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))
	insertExec(t, st, "exec-stale", "parent", 1, now)

	// Queued work abandoned by a crashed holder is finalized without ever
	// having started.
	reason := "abandoned lease recovered"
	if err := st.FinishExecution(ctx, "exec-stale", core.ExecStatusTimeout, now.Add(time.Hour), nil, &reason, nil); err != nil {
		t.Fatalf("finish queued as timeout: %v", err)
	}
	got, _ := st.GetExecution(ctx, "exec-stale")
	if got.Status != core.ExecStatusTimeout || got.StartedAt != nil {
		t.Errorf("unexpected shape: %+v", got)
	}
}

func TestListExecutions_Ordering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))
	mustInsert(t, st, activeCronTask("other", now))

	insertExec(t, st, "exec-old", "parent", 1, now.Add(-2*time.Minute))
	insertExec(t, st, "exec-mid", "parent", 1, now.Add(-time.Minute))
	// Same timestamp: insertion order breaks the tie, newest insert first.
	insertExec(t, st, "exec-tie-a", "parent", 2, now)
	insertExec(t, st, "exec-tie-b", "parent", 3, now)
	insertExec(t, st, "exec-foreign", "other", 1, now)

	execs, err := st.ListExecutions(ctx, "parent", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantOrder := []string{"exec-tie-b", "exec-tie-a", "exec-mid", "exec-old"}
	if len(execs) != len(wantOrder) {
		t.Fatalf("expected %d executions, got %d", len(wantOrder), len(execs))
	}
	for i, want := range wantOrder {
		if execs[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, execs[i].ID, want)
		}
	}

	page, err := st.ListExecutions(ctx, "parent", 2, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "exec-tie-a" || page[1].ID != "exec-mid" {
		t.Errorf("pagination mismatch: %+v", page)
	}
}

func TestListExecutions_DefaultLimit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))

	for i := 0; i < 25; i++ {
		insertExec(t, st, fmt.Sprintf("exec-%02d", i), "parent", 1, now.Add(time.Duration(i)*time.Second))
	}

	execs, err := st.ListExecutions(ctx, "parent", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 20 {
		t.Errorf("expected the default page of 20, got %d", len(execs))
	}
	if execs[0].ID != "exec-24" {
		t.Errorf("expected newest first, got %s", execs[0].ID)
	}
}

func TestExecutionLogs_AppendAndList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))
	insertExec(t, st, "exec-logged", "parent", 1, now)

	lines := []string{"starting", "step one done", "step two done"}
	for i, line := range lines {
		if err := st.AppendExecutionLog(ctx, "exec-logged", now.Add(time.Duration(i)*time.Second), line); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	logs, err := st.ListExecutionLogs(ctx, "exec-logged")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != len(lines) {
		t.Fatalf("expected %d lines, got %d", len(lines), len(logs))
	}
	for i, log := range logs {
		if log.Line != lines[i] {
			t.Errorf("line %d: got %q, want %q", i, log.Line, lines[i])
		}
		if log.ExecutionID != "exec-logged" {
			t.Errorf("line %d: wrong execution %s", i, log.ExecutionID)
		}
		if i > 0 && logs[i].ID <= logs[i-1].ID {
			t.Errorf("log ids not ascending: %d then %d", logs[i-1].ID, logs[i].ID)
		}
	}
}

func TestPruneExecutions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("parent", now))

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("exec-%d", i)
		insertExec(t, st, id, "parent", 1, now.Add(time.Duration(i)*time.Minute))
		if err := st.AppendExecutionLog(ctx, id, now, "output"); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	if err := st.PruneExecutions(ctx, "parent", 2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	execs, err := st.ListExecutions(ctx, "parent", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected the 2 newest kept, got %d", len(execs))
	}
	if execs[0].ID != "exec-4" || execs[1].ID != "exec-3" {
		t.Errorf("wrong survivors: %s, %s", execs[0].ID, execs[1].ID)
	}

	// Logs of pruned executions are cascaded away.
	logs, err := st.ListExecutionLogs(ctx, "exec-0")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected pruned logs gone, got %d", len(logs))
	}

	// keep <= 0 disables pruning entirely.
	if err := st.PruneExecutions(ctx, "parent", 0); err != nil {
		t.Fatalf("prune keep=0: %v", err)
	}
	execs, _ = st.ListExecutions(ctx, "parent", 10, 0)
	if len(execs) != 2 {
		t.Errorf("keep=0 must be a no-op, got %d survivors", len(execs))
	}
}
