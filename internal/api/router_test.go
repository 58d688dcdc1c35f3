package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"taskmill/internal/core"
	"taskmill/internal/store"
)

// fakeEngine satisfies the Engine interface with canned answers and call
// recording. Cancellation delegates to the store so transition guards
// behave like the real thing.
type fakeEngine struct {
	mu          sync.Mutex
	st          *store.Store
	runStarted  bool
	runErr      error
	runTaskID   string
	runVars     map[string]any
	fireMatched int
	fireErr     error
	fireSource  string
	fireVars    map[string]any
}

func (f *fakeEngine) RunNow(ctx context.Context, id string, vars map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runTaskID = id
	f.runVars = vars
	return f.runStarted, f.runErr
}

func (f *fakeEngine) FireTrigger(ctx context.Context, source string, vars map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireSource = source
	f.fireVars = vars
	return f.fireMatched, f.fireErr
}

func (f *fakeEngine) CancelTask(ctx context.Context, id string) error {
	return f.st.CancelTask(ctx, id)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func testServer(t *testing.T, authToken string) (*Server, *store.Store, *fakeEngine) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "taskmill.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := core.NewRegistry()
	registry.Register("log", core.InvokerFunc(func(ctx context.Context, spec core.ActionSpec, ec core.EvalContext, logw io.Writer) (string, error) {
		return "ok", nil
	}))

	engine := &fakeEngine{st: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", authToken, st, engine, registry, nil, logger)
	return srv, st, engine
}

// do runs one request through the router and returns the recorder.
func do(t *testing.T, srv *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[errorBody](t, rec).Error.Code
}

func createTask(t *testing.T, srv *Server, body string) taskResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/v1/tasks", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: status %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeJSON[taskResponse](t, rec)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t, "sekrit")

	// Health stays open even when the API requires a token.
	rec := do(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeJSON[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("body mismatch: %v", body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := testServer(t, "sekrit")

	rec := do(t, srv, http.MethodGet, "/v1/tasks", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", rec.Code)
	}

	wrong := http.Header{"Authorization": []string{"Bearer nope"}}
	if rec := do(t, srv, http.MethodGet, "/v1/tasks", "", wrong); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d, want 401", rec.Code)
	}

	right := http.Header{"Authorization": []string{"Bearer sekrit"}}
	if rec := do(t, srv, http.MethodGet, "/v1/tasks", "", right); rec.Code != http.StatusOK {
		t.Errorf("right token: status %d, want 200", rec.Code)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	srv, _, _ := testServer(t, "")
	if rec := do(t, srv, http.MethodGet, "/v1/tasks", "", nil); rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200 when auth is off", rec.Code)
	}
}
