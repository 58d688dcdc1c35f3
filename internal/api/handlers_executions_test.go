package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"taskmill/internal/core"
	"taskmill/internal/store"
)

func seedExecution(t *testing.T, st *store.Store, id, taskID string, status core.ExecutionStatus, createdAt time.Time) {
	t.Helper()
	exec := &core.Execution{
		ID:          id,
		TaskID:      taskID,
		Attempt:     1,
		Status:      status,
		TriggeredBy: core.TriggeredBySchedule,
		CreatedAt:   createdAt,
	}
	if err := st.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("failed to seed execution %s: %v", id, err)
	}
}

func TestListExecutionsEndpoint(t *testing.T) {
	srv, st, _ := testServer(t, "")
	created := createTask(t, srv, `{"name":"hist","kind":"recurring","schedule":{"cron":"* * * * *"},"action":{"type":"log"}}`)

	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	seedExecution(t, st, "e-old", created.ID, core.ExecStatusCompleted, base)
	seedExecution(t, st, "e-new", created.ID, core.ExecStatusFailed, base.Add(time.Minute))

	rec := do(t, srv, http.MethodGet, "/v1/tasks/"+created.ID+"/executions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	execs := decodeJSON[[]executionResponse](t, rec)
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	if execs[0].ID != "e-new" || execs[1].ID != "e-old" {
		t.Errorf("expected newest first: %s, %s", execs[0].ID, execs[1].ID)
	}
	if execs[0].Status != "failed" || execs[0].TaskID != created.ID {
		t.Errorf("fields mismatch: %+v", execs[0])
	}

	rec = do(t, srv, http.MethodGet, "/v1/tasks/"+created.ID+"/executions?limit=1&offset=1", "", nil)
	page := decodeJSON[[]executionResponse](t, rec)
	if len(page) != 1 || page[0].ID != "e-old" {
		t.Errorf("pagination mismatch: %+v", page)
	}

	if rec := do(t, srv, http.MethodGet, "/v1/tasks/ghost/executions", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing task: status %d, want 404", rec.Code)
	}
}

func TestGetExecutionEndpoint(t *testing.T) {
	srv, st, _ := testServer(t, "")
	created := createTask(t, srv, `{"name":"one","kind":"recurring","schedule":{"cron":"* * * * *"},"action":{"type":"log"}}`)

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	seedExecution(t, st, "e-1", created.ID, core.ExecStatusQueued, now)
	if err := st.MarkExecutionRunning(context.Background(), "e-1", now.Add(time.Second)); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	rec := do(t, srv, http.MethodGet, "/v1/executions/e-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	exec := decodeJSON[executionResponse](t, rec)
	if exec.Status != "running" || exec.Attempt != 1 {
		t.Errorf("fields mismatch: %+v", exec)
	}
	if exec.StartedAt == nil || *exec.StartedAt != "2026-07-01T12:00:01Z" {
		t.Errorf("started_at mismatch: %v", exec.StartedAt)
	}

	if rec := do(t, srv, http.MethodGet, "/v1/executions/ghost", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing execution: status %d, want 404", rec.Code)
	}
}

func TestExecutionLogEndpoint(t *testing.T) {
	srv, st, _ := testServer(t, "")
	created := createTask(t, srv, `{"name":"logged","kind":"recurring","schedule":{"cron":"* * * * *"},"action":{"type":"log"}}`)

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	seedExecution(t, st, "e-log", created.ID, core.ExecStatusCompleted, now)
	for i, line := range []string{"step one", "step two", "step three"} {
		if err := st.AppendExecutionLog(context.Background(), "e-log", now.Add(time.Duration(i)*time.Second), line); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	rec := do(t, srv, http.MethodGet, "/v1/executions/e-log/log", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content type mismatch: %q", ct)
	}
	if got := rec.Body.String(); got != "step one\nstep two\nstep three\n" {
		t.Errorf("log body mismatch: %q", got)
	}

	rec = do(t, srv, http.MethodGet, "/v1/executions/e-log/log?tail=1", "", nil)
	if got := rec.Body.String(); got != "step three\n" {
		t.Errorf("tail mismatch: %q", got)
	}

	if rec := do(t, srv, http.MethodGet, "/v1/executions/ghost/log", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing execution: status %d, want 404", rec.Code)
	}
}
