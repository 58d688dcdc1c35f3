package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskmill/internal/core"
)

// testStore opens a store on a throwaway database and registers cleanup.
func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "taskmill.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func activeCronTask(id string, due time.Time) *core.Task {
	d := due
	return &core.Task{
		ID:        id,
		Name:      "task " + id,
		Kind:      core.KindRecurring,
		Schedule:  core.Schedule{Cron: "*/5 * * * *"},
		Action:    core.ActionSpec{Type: "log", Config: json.RawMessage(`{"message":"hi"}`)},
		Status:    core.TaskStatusActive,
		NextRunAt: &d,
	}
}

func mustInsert(t *testing.T, st *Store, task *core.Task) {
	t.Helper()
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("failed to insert task %s: %v", task.ID, err)
	}
}

func mustAcquire(t *testing.T, st *Store, id, holder string, now time.Time) {
	t.Helper()
	ok, err := st.TryAcquireLease(context.Background(), id, holder, now)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !ok {
		t.Fatalf("failed to acquire lease on %s", id)
	}
}

func TestInsertAndGetTask_Roundtrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	description := "nightly report"
	timeout := 120
	task := &core.Task{
		ID:          "task-full",
		Name:        "full task",
		Description: &description,
		Kind:        core.KindOneTime,
		Schedule:    core.Schedule{At: &at},
		Action:      core.ActionSpec{Type: "command", Config: json.RawMessage(`{"command":"make report"}`)},
		Conditions: []core.Condition{
			{Type: core.CondTimeWindow, Start: "08:00", End: "18:00", Timezone: "Europe/Berlin"},
			{Type: core.CondVariable, Key: "env", Operator: core.OpEquals, Value: "prod"},
		},
		RetryPolicy:    &core.RetryPolicy{MaxAttempts: 3, BaseBackoff: 45 * time.Second, Multiplier: 2},
		Notify:         core.NotifyPolicy{OnFailure: true, Channels: []string{"webhook"}},
		TimeoutSeconds: &timeout,
		Status:         core.TaskStatusPending,
	}
	mustInsert(t, st, task)

	got, err := st.GetTask(ctx, "task-full")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Name != task.Name {
		t.Errorf("name mismatch: got %q, want %q", got.Name, task.Name)
	}
	if got.Description == nil || *got.Description != description {
		t.Errorf("description mismatch: got %v", got.Description)
	}
	if got.Kind != core.KindOneTime {
		t.Errorf("kind mismatch: got %s", got.Kind)
	}
	if got.Schedule.At == nil || !got.Schedule.At.Equal(at) {
		t.Errorf("schedule.at mismatch: got %v, want %v", got.Schedule.At, at)
	}
	if got.Action.Type != "command" {
		t.Errorf("action type mismatch: got %s", got.Action.Type)
	}
	var cfg struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(got.Action.Config, &cfg); err != nil || cfg.Command != "make report" {
		t.Errorf("action config mismatch: %s (%v)", got.Action.Config, err)
	}
	if len(got.Conditions) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(got.Conditions))
	}
	if got.Conditions[0].Type != core.CondTimeWindow || got.Conditions[0].Timezone != "Europe/Berlin" {
		t.Errorf("condition 0 mismatch: %+v", got.Conditions[0])
	}
	if got.Conditions[1].Key != "env" || got.Conditions[1].Operator != core.OpEquals {
		t.Errorf("condition 1 mismatch: %+v", got.Conditions[1])
	}
	if got.RetryPolicy == nil || got.RetryPolicy.MaxAttempts != 3 || got.RetryPolicy.BaseBackoff != 45*time.Second || got.RetryPolicy.Multiplier != 2 {
		t.Errorf("retry policy mismatch: %+v", got.RetryPolicy)
	}
	if !got.Notify.OnFailure || got.Notify.OnSuccess || len(got.Notify.Channels) != 1 {
		t.Errorf("notify policy mismatch: %+v", got.Notify)
	}
	if got.TimeoutSeconds == nil || *got.TimeoutSeconds != 120 {
		t.Errorf("timeout mismatch: %v", got.TimeoutSeconds)
	}
	if got.Status != core.TaskStatusPending {
		t.Errorf("status mismatch: %s", got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not recorded")
	}
}

func TestInsertAndGetTask_MinimalFields(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	task := activeCronTask("task-min", time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	mustInsert(t, st, task)

	got, err := st.GetTask(ctx, "task-min")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Description != nil || got.RetryPolicy != nil || got.TimeoutSeconds != nil {
		t.Errorf("optional fields should be absent: %+v", got)
	}
	if len(got.Conditions) != 0 {
		t.Errorf("expected no conditions, got %d", len(got.Conditions))
	}
	if got.Notify.OnSuccess || got.Notify.OnFailure {
		t.Errorf("expected empty notify policy, got %+v", got.Notify)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	st := testStore(t)
	if _, err := st.GetTask(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	due := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	mustInsert(t, st, activeCronTask("a", due))
	mustInsert(t, st, activeCronTask("b", due))
	paused := activeCronTask("c", due)
	paused.Status = core.TaskStatusPaused
	paused.NextRunAt = nil
	mustInsert(t, st, paused)

	all, err := st.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(all))
	}

	status := core.TaskStatusActive
	active, err := st.ListTasks(ctx, &status)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active tasks, got %d", len(active))
	}
}

func TestListDueTasks(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	mustInsert(t, st, activeCronTask("overdue", now.Add(-5*time.Minute)))
	mustInsert(t, st, activeCronTask("exactly-due", now))
	mustInsert(t, st, activeCronTask("future", now.Add(5*time.Minute)))
	pausedDue := activeCronTask("paused", now.Add(-time.Hour))
	pausedDue.Status = core.TaskStatusPaused
	mustInsert(t, st, pausedDue)
	trigger := &core.Task{
		ID:       "no-due-time",
		Name:     "trigger task",
		Kind:     core.KindTrigger,
		Schedule: core.Schedule{Trigger: "upload"},
		Action:   core.ActionSpec{Type: "log"},
		Status:   core.TaskStatusActive,
	}
	mustInsert(t, st, trigger)

	due, err := st.ListDueTasks(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	// Oldest due first; the boundary instant itself is due.
	if due[0].ID != "overdue" || due[1].ID != "exactly-due" {
		t.Errorf("wrong order: %s, %s", due[0].ID, due[1].ID)
	}

	one, err := st.ListDueTasks(ctx, now, 1)
	if err != nil {
		t.Fatalf("list due limit: %v", err)
	}
	if len(one) != 1 || one[0].ID != "overdue" {
		t.Errorf("limit did not keep the oldest due task: %+v", one)
	}
}

func TestListTriggerTasks(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for i, source := range []string{"upload", "upload", "deploy"} {
		task := &core.Task{
			ID:       fmt.Sprintf("trig-%d", i),
			Name:     "trigger task",
			Kind:     core.KindTrigger,
			Schedule: core.Schedule{Trigger: source},
			Action:   core.ActionSpec{Type: "log"},
			Status:   core.TaskStatusActive,
		}
		mustInsert(t, st, task)
	}
	pausedTrig := &core.Task{
		ID:       "trig-paused",
		Name:     "paused trigger",
		Kind:     core.KindTrigger,
		Schedule: core.Schedule{Trigger: "upload"},
		Action:   core.ActionSpec{Type: "log"},
		Status:   core.TaskStatusPaused,
	}
	mustInsert(t, st, pausedTrig)

	matches, err := st.ListTriggerTasks(ctx, "upload")
	if err != nil {
		t.Fatalf("list trigger tasks: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 active upload tasks, got %d", len(matches))
	}
	for _, task := range matches {
		if task.Schedule.Trigger != "upload" {
			t.Errorf("wrong source: %s", task.Schedule.Trigger)
		}
	}
}

func TestTryAcquireLease_ExactlyOneWinner(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("contended", now))

	const claimers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make([]string, 0, 1)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := fmt.Sprintf("worker-%d", n)
			ok, err := st.TryAcquireLease(ctx, "contended", holder, now)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one lease winner, got %d", len(winners))
	}
	got, err := st.GetTask(ctx, "contended")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.TaskStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.LeaseHolder == nil || *got.LeaseHolder != winners[0] {
		t.Errorf("lease holder mismatch: %v vs %s", got.LeaseHolder, winners[0])
	}
	if got.LeaseAcquiredAt == nil {
		t.Error("lease acquisition time not recorded")
	}
}

func TestTryAcquireLease_OnlyActive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	paused := activeCronTask("parked", now)
	paused.Status = core.TaskStatusPaused
	mustInsert(t, st, paused)

	ok, err := st.TryAcquireLease(ctx, "parked", "w1", now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Error("paused task must not be leasable")
	}

	ok, err = st.TryAcquireLease(ctx, "missing", "w1", now)
	if err != nil {
		t.Fatalf("acquire missing: %v", err)
	}
	if ok {
		t.Error("missing task must not be leasable")
	}
}

func TestSettleTask(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("settled", now))
	mustAcquire(t, st, "settled", "w1", now)

	next := now.Add(5 * time.Minute)
	last := now.Add(2 * time.Second)
	err := st.SettleTask(ctx, "settled", "w1", core.TaskSettle{
		Status:       core.TaskStatusActive,
		NextRunAt:    &next,
		RunDelta:     1,
		SuccessDelta: 1,
		LastRunAt:    &last,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, err := st.GetTask(ctx, "settled")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.TaskStatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if got.RunCount != 1 || got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("counters run=%d success=%d failure=%d", got.RunCount, got.SuccessCount, got.FailureCount)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("next run mismatch: %v", got.NextRunAt)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Errorf("last run mismatch: %v", got.LastRunAt)
	}
	if got.LeaseHolder != nil || got.LeaseAcquiredAt != nil {
		t.Error("lease not released")
	}

	// The task is no longer running: a second settle has lost the lease.
	if err := st.SettleTask(ctx, "settled", "w1", core.TaskSettle{Status: core.TaskStatusActive}); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost, got %v", err)
	}
}

func TestSettleTask_WrongHolder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("guarded", now))
	mustAcquire(t, st, "guarded", "w1", now)

	err := st.SettleTask(ctx, "guarded", "w2", core.TaskSettle{Status: core.TaskStatusActive})
	if !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for a foreign holder, got %v", err)
	}
	// The rightful holder still settles fine.
	if err := st.SettleTask(ctx, "guarded", "w1", core.TaskSettle{Status: core.TaskStatusActive}); err != nil {
		t.Errorf("rightful settle failed: %v", err)
	}

	if err := st.SettleTask(ctx, "missing", "w1", core.TaskSettle{}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSettleTask_RunCountMatchesOutcomes(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("counted", now))

	outcomes := []core.TaskSettle{
		{Status: core.TaskStatusActive, RunDelta: 1, SuccessDelta: 1},
		{Status: core.TaskStatusActive, RunDelta: 1, FailureDelta: 1},
		{Status: core.TaskStatusActive, RunDelta: 1, SuccessDelta: 1},
	}
	for i, settle := range outcomes {
		mustAcquire(t, st, "counted", "w1", now)
		if err := st.SettleTask(ctx, "counted", "w1", settle); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}

	got, err := st.GetTask(ctx, "counted")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 3 || got.SuccessCount != 2 || got.FailureCount != 1 {
		t.Errorf("counters run=%d success=%d failure=%d", got.RunCount, got.SuccessCount, got.FailureCount)
	}
	if got.RunCount != got.SuccessCount+got.FailureCount {
		t.Error("run count must equal success + failure")
	}
}

func TestRecoverTask_FinalizesOpenExecution(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("stuck", now))
	mustAcquire(t, st, "stuck", "dead-holder", now)

	exec := &core.Execution{
		ID:          "exec-stuck",
		TaskID:      "stuck",
		Attempt:     1,
		Status:      core.ExecStatusRunning,
		TriggeredBy: core.TriggeredBySchedule,
		CreatedAt:   now,
	}
	if err := st.InsertExecution(ctx, exec); err != nil {
		t.Fatalf("insert execution: %v", err)
	}

	recoveredAt := now.Add(10 * time.Minute)
	if err := st.RecoverTask(ctx, "stuck", recoveredAt, "abandoned lease recovered"); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, err := st.GetTask(ctx, "stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.TaskStatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("expected the chain advanced to 1, got %d", got.Attempt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(recoveredAt) {
		t.Errorf("expected an immediate due time, got %v", got.NextRunAt)
	}
	if got.LeaseHolder != nil {
		t.Error("lease not cleared")
	}

	rec, err := st.GetExecution(ctx, "exec-stuck")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if rec.Status != core.ExecStatusTimeout {
		t.Errorf("expected timeout, got %s", rec.Status)
	}
	if rec.Error == nil || *rec.Error != "abandoned lease recovered" {
		t.Errorf("expected the recovery reason recorded, got %v", rec.Error)
	}
	if rec.CompletedAt == nil {
		t.Error("completion time not recorded")
	}

	// Recovering a task that is no longer running is a no-op.
	if err := st.RecoverTask(ctx, "stuck", recoveredAt.Add(time.Minute), "again"); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if again, _ := st.GetTask(ctx, "stuck"); again.Attempt != 1 {
		t.Errorf("no-op recover must not advance the chain, got %d", again.Attempt)
	}
}

func TestRecoverTask_SynthesizesExecution(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	// Holder crashed between lease and execution insert: no record exists.
	mustInsert(t, st, activeCronTask("vanished", now))
	mustAcquire(t, st, "vanished", "dead-holder", now)

	recoveredAt := now.Add(10 * time.Minute)
	if err := st.RecoverTask(ctx, "vanished", recoveredAt, "abandoned lease recovered"); err != nil {
		t.Fatalf("recover: %v", err)
	}

	execs, err := st.ListExecutions(ctx, "vanished", 10, 0)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected a synthetic execution, got %d", len(execs))
	}
	synthetic := execs[0]
	if synthetic.Status != core.ExecStatusTimeout {
		t.Errorf("expected timeout, got %s", synthetic.Status)
	}
	if synthetic.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", synthetic.Attempt)
	}
	if synthetic.TriggeredBy != core.TriggeredBySchedule {
		t.Errorf("expected schedule trigger, got %s", synthetic.TriggeredBy)
	}
	if synthetic.CompletedAt == nil || !synthetic.CompletedAt.Equal(recoveredAt) {
		t.Errorf("expected completion at recovery time, got %v", synthetic.CompletedAt)
	}
}

func TestTaskTransitions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	task := activeCronTask("moves", now)
	task.Status = core.TaskStatusPending
	task.NextRunAt = nil
	mustInsert(t, st, task)

	next := now.Add(5 * time.Minute)
	if err := st.ActivateTask(ctx, "moves", &next); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := st.GetTask(ctx, "moves")
	if got.Status != core.TaskStatusActive || got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("activate did not apply: %+v", got)
	}

	// Activating twice is an invalid transition.
	if err := st.ActivateTask(ctx, "moves", &next); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if err := st.PauseTask(ctx, "moves"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ = st.GetTask(ctx, "moves")
	if got.Status != core.TaskStatusPaused || got.NextRunAt != nil {
		t.Fatalf("pause must clear the due time: %+v", got)
	}

	resumedAt := now.Add(10 * time.Minute)
	if err := st.ResumeTask(ctx, "moves", &resumedAt); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = st.GetTask(ctx, "moves")
	if got.Status != core.TaskStatusActive || got.Attempt != 0 {
		t.Fatalf("resume did not apply: %+v", got)
	}

	if err := st.CancelTask(ctx, "moves"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = st.GetTask(ctx, "moves")
	if got.Status != core.TaskStatusCancelled || got.NextRunAt != nil {
		t.Fatalf("cancel did not apply: %+v", got)
	}

	// A cancelled recurring task restarts through resume.
	if err := st.ResumeTask(ctx, "moves", &resumedAt); err != nil {
		t.Fatalf("resume after cancel: %v", err)
	}
	got, _ = st.GetTask(ctx, "moves")
	if got.Status != core.TaskStatusActive {
		t.Fatalf("expected active after restart, got %s", got.Status)
	}
}

func TestTransitionsGuardRunning(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("busy", now))
	mustAcquire(t, st, "busy", "w1", now)

	if err := st.PauseTask(ctx, "busy"); !errors.Is(err, core.ErrTaskRunning) {
		t.Errorf("pause: expected ErrTaskRunning, got %v", err)
	}
	if err := st.CancelTask(ctx, "busy"); !errors.Is(err, core.ErrTaskRunning) {
		t.Errorf("cancel: expected ErrTaskRunning, got %v", err)
	}
	if err := st.DeleteTask(ctx, "busy"); !errors.Is(err, core.ErrTaskRunning) {
		t.Errorf("delete: expected ErrTaskRunning, got %v", err)
	}

	// Settle the attempt; the same transitions now work.
	if err := st.SettleTask(ctx, "busy", "w1", core.TaskSettle{Status: core.TaskStatusActive, NextRunAt: &now}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := st.PauseTask(ctx, "busy"); err != nil {
		t.Errorf("pause after settle: %v", err)
	}
}

func TestResumeTask_OneTimeStaysTerminal(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	at := now.Add(-time.Minute)
	once := &core.Task{
		ID:        "once-failed",
		Name:      "one shot",
		Kind:      core.KindOneTime,
		Schedule:  core.Schedule{At: &at},
		Action:    core.ActionSpec{Type: "log"},
		Status:    core.TaskStatusActive,
		NextRunAt: &at,
	}
	mustInsert(t, st, once)
	mustAcquire(t, st, "once-failed", "w1", now)
	if err := st.SettleTask(ctx, "once-failed", "w1", core.TaskSettle{
		Status: core.TaskStatusFailed, RunDelta: 1, FailureDelta: 1,
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if err := st.ResumeTask(ctx, "once-failed", &now); !errors.Is(err, core.ErrNotResumable) {
		t.Errorf("expected ErrNotResumable for a failed one_time task, got %v", err)
	}

	// A failed recurring task resumes fine.
	mustInsert(t, st, activeCronTask("cron-failed", now))
	mustAcquire(t, st, "cron-failed", "w1", now)
	if err := st.SettleTask(ctx, "cron-failed", "w1", core.TaskSettle{
		Status: core.TaskStatusFailed, RunDelta: 1, FailureDelta: 1,
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := st.ResumeTask(ctx, "cron-failed", &now); err != nil {
		t.Errorf("resume failed recurring: %v", err)
	}
}

func TestDeleteTask_CascadesHistory(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, st, activeCronTask("doomed", now))

	exec := &core.Execution{
		ID:          "exec-doomed",
		TaskID:      "doomed",
		Attempt:     1,
		Status:      core.ExecStatusCompleted,
		TriggeredBy: core.TriggeredBySchedule,
		CreatedAt:   now,
	}
	if err := st.InsertExecution(ctx, exec); err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	if err := st.AppendExecutionLog(ctx, "exec-doomed", now, "some output"); err != nil {
		t.Fatalf("append log: %v", err)
	}

	if err := st.DeleteTask(ctx, "doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := st.GetTask(ctx, "doomed"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected the task gone, got %v", err)
	}
	if _, err := st.GetExecution(ctx, "exec-doomed"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected executions cascaded, got %v", err)
	}
	logs, err := st.ListExecutionLogs(ctx, "exec-doomed")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected logs cascaded, got %d", len(logs))
	}
}
