package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"comms-router/internal/domain"
	"comms-router/internal/eval"
	"comms-router/internal/reporting"
	"comms-router/internal/routing"
	"comms-router/internal/store"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []string
}

func (d *fakeDispatcher) DispatchTask(t domain.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t.ID)
}
func (d *fakeDispatcher) DispatchAgent(string)   {}
func (d *fakeDispatcher) CancelTaskTimer(string) {}

func newTestAPI(t *testing.T) (*gin.Engine, *fakeDispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ev, err := eval.New(0)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	uow := store.NewMemory()
	d := &fakeDispatcher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Handlers{
		Routing:   routing.NewService(uow, ev, d, nil, routing.Config{DefaultQueuedTimeout: 60}, log),
		Reporting: reporting.NewService(reporting.StoreRepo{UoW: uow}),
	}
	r := gin.New()
	h.Register(r.Group("/v1"))
	return r, d
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rd = bytes.NewBufferString(s)
		} else {
			raw, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			rd = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestRouters_CRUD(t *testing.T) {
	r, _ := newTestAPI(t)

	w := do(t, r, http.MethodPost, "/v1/routers", map[string]any{"id": "r1", "name": "support"})
	expectStatus(t, w, http.StatusCreated)

	w = do(t, r, http.MethodGet, "/v1/routers/r1", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[domain.Router](t, w); got.Name != "support" {
		t.Fatalf("unexpected router %+v", got)
	}

	w = do(t, r, http.MethodPatch, "/v1/routers/r1", map[string]any{"name": "sales"})
	expectStatus(t, w, http.StatusOK)
	if got := decode[domain.Router](t, w); got.Name != "sales" {
		t.Fatalf("expected rename, got %+v", got)
	}

	w = do(t, r, http.MethodGet, "/v1/routers", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[[]domain.Router](t, w); len(got) != 1 {
		t.Fatalf("expected one router, got %d", len(got))
	}

	w = do(t, r, http.MethodPost, "/v1/routers", map[string]any{"id": "r1", "name": "again"})
	expectStatus(t, w, http.StatusConflict)

	expectStatus(t, do(t, r, http.MethodDelete, "/v1/routers/r1", nil), http.StatusNoContent)
	expectStatus(t, do(t, r, http.MethodGet, "/v1/routers/r1", nil), http.StatusNotFound)
}

func TestInvalidJSON(t *testing.T) {
	r, _ := newTestAPI(t)
	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers", "{"), http.StatusBadRequest)
}

func TestQueues_InvalidPredicate(t *testing.T) {
	r, _ := newTestAPI(t)
	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers", map[string]any{"id": "r"}), http.StatusCreated)

	w := do(t, r, http.MethodPost, "/v1/routers/r/queues", map[string]any{"id": "q", "predicate": "#{language} =="})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestTasks_QueueLifecycle(t *testing.T) {
	r, d := newTestAPI(t)
	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers", map[string]any{"id": "r"}), http.StatusCreated)
	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers/r/queues", map[string]any{
		"id": "q", "predicate": "#{language} == 'en'",
	}), http.StatusCreated)

	w := do(t, r, http.MethodPost, "/v1/routers/r/agents", map[string]any{
		"id": "a", "capabilities": map[string]any{"language": "en"},
	})
	expectStatus(t, w, http.StatusCreated)
	if a := decode[domain.Agent](t, w); a.State != domain.AgentStateOffline || !a.InQueue("q") {
		t.Fatalf("expected offline member of q, got %+v", a)
	}

	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers/r/tasks", map[string]any{"id": "t"}), http.StatusBadRequest)

	w = do(t, r, http.MethodPost, "/v1/routers/r/tasks", map[string]any{"id": "t", "queue_id": "q", "priority": 3})
	expectStatus(t, w, http.StatusCreated)
	task := decode[domain.Task](t, w)
	if task.State != domain.TaskStateWaiting || task.QueuedTimeout != 60 || task.Priority != 3 {
		t.Fatalf("unexpected task %+v", task)
	}
	d.mu.Lock()
	dispatched := fmt.Sprint(d.tasks)
	d.mu.Unlock()
	if dispatched != "[t]" {
		t.Fatalf("expected task to be dispatched, got %s", dispatched)
	}

	w = do(t, r, http.MethodGet, "/v1/routers/r/queues/q/size", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[map[string]int](t, w); got["size"] != 1 {
		t.Fatalf("expected size 1, got %v", got)
	}

	w = do(t, r, http.MethodGet, "/v1/routers/r/queues/q/tasks", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[[]domain.Task](t, w); len(got) != 1 || got[0].ID != "t" {
		t.Fatalf("unexpected waiting tasks %+v", got)
	}

	w = do(t, r, http.MethodGet, "/v1/routers/r/queues/q/stats", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[reporting.QueueStats](t, w); got.Size != 1 || got.Agents.Offline != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}

	// The queue cannot go while it holds a waiting task.
	expectStatus(t, do(t, r, http.MethodDelete, "/v1/routers/r/queues/q", nil), http.StatusConflict)
	// Only assigned tasks can be rejected.
	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers/r/tasks/t/reject", nil), http.StatusConflict)

	w = do(t, r, http.MethodPost, "/v1/routers/r/tasks/t/complete", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[domain.Task](t, w); got.State != domain.TaskStateCompleted {
		t.Fatalf("expected completed, got %+v", got)
	}

	expectStatus(t, do(t, r, http.MethodDelete, "/v1/routers/r/tasks/t", nil), http.StatusNoContent)
	expectStatus(t, do(t, r, http.MethodDelete, "/v1/routers/r/queues/q", nil), http.StatusNoContent)
	expectStatus(t, do(t, r, http.MethodGet, "/v1/routers/r/queues/q/stats", nil), http.StatusNotFound)
}

func TestRouterIsolation(t *testing.T) {
	r, _ := newTestAPI(t)
	for _, id := range []string{"r1", "r2"} {
		expectStatus(t, do(t, r, http.MethodPost, "/v1/routers", map[string]any{"id": id}), http.StatusCreated)
	}
	expectStatus(t, do(t, r, http.MethodPost, "/v1/routers/r1/queues", map[string]any{"id": "q"}), http.StatusCreated)

	expectStatus(t, do(t, r, http.MethodGet, "/v1/routers/r1/queues/q", nil), http.StatusOK)
	expectStatus(t, do(t, r, http.MethodGet, "/v1/routers/r2/queues/q", nil), http.StatusNotFound)
	// A router that still owns a queue cannot be deleted.
	expectStatus(t, do(t, r, http.MethodDelete, "/v1/routers/r1", nil), http.StatusConflict)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("q: %w", eval.ErrInvalidPredicate), http.StatusBadRequest},
		{reporting.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrReferenced, http.StatusConflict},
		{fmt.Errorf("router r: %w", domain.ErrAlreadyExists), http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{store.ErrWriteConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
