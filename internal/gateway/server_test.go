package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/task"
)

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

func newTestServer(t *testing.T) (*Server, *events.Bus, task.Store) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	store := task.NewFileStore(t.TempDir())
	ledger := budget.NewLedger(map[string]int{"session": 1000})

	srv := NewServer(Options{Bus: bus, Tasks: store, Ledger: ledger, Host: "localhost"})
	t.Cleanup(func() { srv.hub.Close() })
	return srv, bus, store
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field: got %q", body["status"])
	}
}

func TestHandleEventsLimit(t *testing.T) {
	srv, bus, _ := newTestServer(t)

	for i := 0; i < 10; i++ {
		bus.Publish(events.NewTypedEvent(events.SourceGateway, events.UserMessagePayload{Content: "hello"}))
	}
	waitForEvents(bus, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 5 {
		t.Fatalf("events with limit=5: got %d", len(body))
	}
}

func TestHandleTasksFilters(t *testing.T) {
	srv, _, store := newTestServer(t)

	t1 := &task.Task{SessionID: "s1", Title: "discover services"}
	t2 := &task.Task{SessionID: "s2", Title: "classify services"}
	if err := store.Create(t1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(t2); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks?session_id=s1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 || body[0]["title"] != "discover services" {
		t.Fatalf("filtered tasks: %v", body)
	}
}

func TestHandleBudget(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/budget", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	var body map[string]map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	session, ok := body["session"]
	if !ok {
		t.Fatalf("no session layer in budget: %v", body)
	}
	if session["ceiling"].(float64) != 1000 {
		t.Errorf("session ceiling: %v", session["ceiling"])
	}
}

func TestHandleMessageWithoutMachine(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/message", strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", w.Code)
	}
}

func TestHandlePhaseWithoutMachine(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/phase", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", w.Code)
	}
}
