// Package gateway exposes the human interface boundary over HTTP and
// WebSocket: one inbound message endpoint, streaming assistant turns, and
// read-only views of tasks, phase, and budget.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/gateway/ws"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/phase"
	"github.com/mpernot/ordo/internal/task"
)

// Options holds the gateway dependencies.
type Options struct {
	Bus     *events.Bus
	Tasks   task.Store     // optional
	Machine *phase.Machine // optional
	Ledger  *budget.Ledger // optional
	Host    string
	Port    int
}

// Server is the ordo gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	opts       Options
	tasks      *TaskHandler
}

// NewServer creates a new gateway server.
func NewServer(opts Options) *Server {
	s := &Server{
		hub:  ws.NewHub(opts.Bus),
		opts: opts,
	}
	if opts.Tasks != nil {
		s.tasks = NewTaskHandler(opts.Tasks)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Post("/api/message", s.handleMessage)
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/phase", s.handlePhase)
	r.Get("/api/budget", s.handleBudget)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: r,
	}
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("ordo gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleMessage is the single inbound boundary over plain HTTP: the message
// is handed to the phase machine and the assistant turn comes back in the
// response body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Machine == nil {
		http.Error(w, "phase machine not available", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "empty content", http.StatusBadRequest)
		return
	}

	reply, err := s.opts.Machine.Handle(r.Context(), req.Content)
	if err != nil {
		writeJSON(w, map[string]string{
			"reply": reply,
			"phase": string(s.opts.Machine.Current()),
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, map[string]string{
		"reply": reply,
		"phase": string(s.opts.Machine.Current()),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.opts.Bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		SessionID string             `json:"session_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, result)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not available", http.StatusServiceUnavailable)
		return
	}

	result, err := s.tasks.List(r.URL.Query().Get("session_id"), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	if s.opts.Machine == nil {
		http.Error(w, "phase machine not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{
		"phase":        string(s.opts.Machine.Current()),
		"artifact_ref": s.opts.Machine.ArtifactRef(),
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger == nil {
		http.Error(w, "budget ledger not available", http.StatusServiceUnavailable)
		return
	}

	type usageJSON struct {
		Consumed  int     `json:"consumed"`
		Reserved  int     `json:"reserved"`
		Ceiling   int     `json:"ceiling"`
		Ratio     float64 `json:"ratio"`
		HighWater int     `json:"high_water"`
	}

	result := make(map[string]usageJSON)
	for _, layer := range memstore.Layers() {
		u := s.opts.Ledger.Usage(string(layer))
		result[string(layer)] = usageJSON{
			Consumed:  u.Consumed,
			Reserved:  u.Reserved,
			Ceiling:   u.Ceiling,
			Ratio:     u.Ratio(),
			HighWater: u.HighWater,
		}
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
