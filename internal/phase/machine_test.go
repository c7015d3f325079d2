package phase

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/compose"
	"github.com/mpernot/ordo/internal/degrade"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
	"github.com/mpernot/ordo/internal/worker"
)

type runnerFunc func(ctx context.Context, t *task.Task, view *memstore.View) (*task.Result, error)

func (f runnerFunc) Run(ctx context.Context, t *task.Task, view *memstore.View) (*task.Result, error) {
	return f(ctx, t, view)
}

func singleNodeGraph(p Phase) *compose.Graph {
	return &compose.Graph{
		Name:     string(p),
		Topology: compose.TopologySequential,
		Nodes:    []compose.Node{{ID: string(p), Title: string(p)}},
	}
}

type harness struct {
	machine *Machine
	store   *memstore.Store
	bus     *events.Bus
	arts    *capability.FileArtifactStore
}

func newHarness(t *testing.T, runner worker.Runner, gates *GateSet, graphs map[Phase]*compose.Graph, retries int) *harness {
	t.Helper()

	bus := events.NewBus(128)
	t.Cleanup(bus.Close)

	store, err := memstore.NewStore(memstore.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	arts, err := capability.NewFileArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileArtifactStore: %v", err)
	}

	pool := worker.NewPool(runner, worker.Options{MaxWorkers: 8, Memory: store})
	t.Cleanup(pool.Stop)
	engine := compose.NewEngine(compose.Options{Pool: pool, BackoffBase: time.Millisecond})

	monitor := degrade.NewMonitor(degrade.Options{Bus: bus, Store: store})
	t.Cleanup(monitor.Close)

	m := NewMachine(Options{
		Store:          store,
		Engine:         engine,
		Bus:            bus,
		Monitor:        monitor,
		Artifacts:      arts,
		Gates:          gates,
		Graphs:         graphs,
		SessionID:      "s1",
		MaxGateRetries: retries,
	})
	t.Cleanup(m.Close)

	return &harness{machine: m, store: store, bus: bus, arts: arts}
}

func fullGates() *GateSet {
	return &GateSet{Phases: map[string]GateSpec{
		string(PhaseScopeDiscovery):   {Required: []string{"session:goal"}},
		string(PhaseContextGathering): {Required: []string{"session:patterns/*"}},
		string(PhaseAnalysis):         {Required: []string{"session:analysis_summary"}},
		string(PhaseGeneration):       {Required: []string{"session:draft"}},
	}}
}

func TestMachineRunsToCompletion(t *testing.T) {
	var store *memstore.Store
	runner := runnerFunc(func(_ context.Context, tk *task.Task, _ *memstore.View) (*task.Result, error) {
		switch tk.Title {
		case string(PhaseContextGathering):
			store.Write(memstore.LayerSession, "patterns/service_base", "repo+service split")
		case string(PhaseAnalysis):
			store.Write(memstore.LayerSession, "analysis_summary", "three services share one schema")
		case string(PhaseGeneration):
			store.Write(memstore.LayerSession, "draft", "draft v1")
		}
		return &task.Result{Text: tk.Title + " output", Confidence: 0.9}, nil
	})

	graphs := map[Phase]*compose.Graph{
		PhaseContextGathering: singleNodeGraph(PhaseContextGathering),
		PhaseAnalysis:         singleNodeGraph(PhaseAnalysis),
		PhaseGeneration:       singleNodeGraph(PhaseGeneration),
		PhaseReview:           singleNodeGraph(PhaseReview),
	}

	h := newHarness(t, runner, fullGates(), graphs, 3)
	store = h.store

	msg, err := h.machine.Handle(context.Background(), "catalog the services in the monorepo")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(msg, "complete") {
		t.Errorf("final turn: %q", msg)
	}
	if got := h.machine.Current(); got != PhaseDone {
		t.Errorf("phase: got %s, want done", got)
	}

	ref := h.machine.ArtifactRef()
	if ref == "" {
		t.Fatal("no artifact reference emitted")
	}
	content, err := h.arts.Load(ref)
	if err != nil {
		t.Fatalf("Load artifact: %v", err)
	}
	if string(content) != string(PhaseReview)+" output" {
		t.Errorf("artifact content: %q", content)
	}

	if !h.store.Has(memstore.LayerArtifact, "deliverable") {
		t.Error("artifact reference not recorded in memory")
	}
	if recs, _ := h.store.List(memstore.LayerWorking); len(recs) != 0 {
		t.Errorf("working layer survives completion: %d records", len(recs))
	}
}

func TestGateFailureEscalatesAndRollsBack(t *testing.T) {
	var store *memstore.Store
	runner := runnerFunc(func(_ context.Context, tk *task.Task, _ *memstore.View) (*task.Result, error) {
		if tk.Title == string(PhaseContextGathering) {
			// Writes scratch data but never the required pattern record.
			store.Write(memstore.LayerSession, "scratch/tmp", "noise")
		}
		return &task.Result{Text: tk.Title + " output", Confidence: 0.9}, nil
	})

	gates := &GateSet{Phases: map[string]GateSpec{
		string(PhaseContextGathering): {
			Required: []string{"session:patterns/*"},
			Prompt:   "Name a pattern to look for.",
		},
	}}
	graphs := map[Phase]*compose.Graph{
		PhaseContextGathering: singleNodeGraph(PhaseContextGathering),
	}

	h := newHarness(t, runner, gates, graphs, 2)
	store = h.store

	gateEvents, cancel := h.bus.SubscribeChan(16, events.EventGateFailed)
	defer cancel()

	msg, err := h.machine.Handle(context.Background(), "catalog the services")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(msg, "exit gate unsatisfied") || !strings.Contains(msg, "Name a pattern") {
		t.Errorf("escalation turn: %q", msg)
	}
	if got := h.machine.Current(); got != PhaseContextGathering {
		t.Errorf("phase after escalation: got %s", got)
	}

	// Rollback to the phase-start checkpoint removes the scratch writes but
	// keeps what existed before the phase.
	if h.store.Has(memstore.LayerSession, "scratch/tmp") {
		t.Error("session writes from the failed phase survived rollback")
	}
	if !h.store.Has(memstore.LayerSession, "goal") {
		t.Error("pre-phase session data lost in rollback")
	}

	failures := 0
	deadline := time.After(2 * time.Second)
	for failures < 2 {
		select {
		case e := <-gateEvents:
			if p, ok := events.PayloadAs[events.GateFailedPayload](e); ok && p.Phase == string(PhaseContextGathering) {
				failures++
			}
		case <-deadline:
			t.Fatalf("gate failure events: got %d, want 2", failures)
		}
	}

	// Explicit user override advances past the failing gate.
	msg, err = h.machine.Handle(context.Background(), "override")
	if err != nil {
		t.Fatalf("Handle override: %v", err)
	}
	if got := h.machine.Current(); got != PhaseDone {
		t.Errorf("phase after override: got %s, want done (turn %q)", got, msg)
	}
}

func TestGateRemediationSecondAttemptSucceeds(t *testing.T) {
	var store *memstore.Store
	var gatherRuns atomic.Int32
	runner := runnerFunc(func(_ context.Context, tk *task.Task, _ *memstore.View) (*task.Result, error) {
		if tk.Title == string(PhaseContextGathering) && gatherRuns.Add(1) >= 2 {
			store.Write(memstore.LayerSession, "patterns/service_base", "found on retry")
		}
		return &task.Result{Text: tk.Title + " output", Confidence: 0.9}, nil
	})

	gates := &GateSet{Phases: map[string]GateSpec{
		string(PhaseContextGathering): {Required: []string{"session:patterns/*"}},
	}}
	graphs := map[Phase]*compose.Graph{
		PhaseContextGathering: singleNodeGraph(PhaseContextGathering),
	}

	h := newHarness(t, runner, gates, graphs, 3)
	store = h.store

	if _, err := h.machine.Handle(context.Background(), "catalog the services"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := h.machine.Current(); got != PhaseDone {
		t.Errorf("phase: got %s, want done", got)
	}
	if n := gatherRuns.Load(); n != 2 {
		t.Errorf("context gathering runs: got %d, want 2", n)
	}
}

func TestReviseReentersContextGathering(t *testing.T) {
	var store *memstore.Store
	runner := runnerFunc(func(_ context.Context, tk *task.Task, _ *memstore.View) (*task.Result, error) {
		switch tk.Title {
		case string(PhaseContextGathering):
			store.Write(memstore.LayerSession, "patterns/service_base", "repo+service split")
		case string(PhaseAnalysis):
			store.Write(memstore.LayerSession, "analysis_summary", "summary")
		case string(PhaseGeneration):
			store.Write(memstore.LayerSession, "draft", "draft v1")
		}
		return &task.Result{Text: tk.Title + " output", Confidence: 0.9}, nil
	})

	graphs := map[Phase]*compose.Graph{
		PhaseContextGathering: singleNodeGraph(PhaseContextGathering),
		PhaseAnalysis:         singleNodeGraph(PhaseAnalysis),
		PhaseGeneration:       singleNodeGraph(PhaseGeneration),
		PhaseReview:           singleNodeGraph(PhaseReview),
	}
	h := newHarness(t, runner, fullGates(), graphs, 3)
	store = h.store

	if _, err := h.machine.Handle(context.Background(), "revise"); err == nil {
		t.Error("revise before the first message should fail")
	}

	if _, err := h.machine.Handle(context.Background(), "catalog the services"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := h.machine.Current(); got != PhaseDone {
		t.Fatalf("phase: got %s, want done", got)
	}

	msg, err := h.machine.Handle(context.Background(), "revise")
	if err != nil {
		t.Fatalf("Handle revise: %v", err)
	}
	if !strings.Contains(msg, "Revision") {
		t.Errorf("revise turn: %q", msg)
	}
	if got := h.machine.Current(); got != PhaseContextGathering {
		t.Errorf("phase after revise: got %s", got)
	}
	if !h.store.Has(memstore.LayerArtifact, "deliverable") {
		t.Error("revision dropped prior artifacts")
	}
}

func TestGenerationChecksGoalAtDocumentBoundaries(t *testing.T) {
	// The generated document never restates the goal, so the critical
	// placement check must raise an advisory signal for it.
	doc := strings.Repeat("filler paragraph about the module layout. ", 40)
	runner := runnerFunc(func(_ context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		return &task.Result{Text: doc, Confidence: 0.9}, nil
	})
	graphs := map[Phase]*compose.Graph{
		PhaseGeneration: singleNodeGraph(PhaseGeneration),
	}
	h := newHarness(t, runner, nil, graphs, 3)

	signals, cancel := h.bus.SubscribeChan(16, events.EventDegradation)
	defer cancel()

	if _, err := h.machine.Handle(context.Background(), "enforce the rate limit contract"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-signals:
			p, ok := events.PayloadAs[events.DegradationPayload](e)
			if ok && p.Kind == events.DegradeBoundaryPlacement && p.Key == "goal" {
				return
			}
		case <-deadline:
			t.Fatal("no boundary placement signal for the unrestated goal")
		}
	}
}

func TestGateInputUserDirectiveOutranksPrompt(t *testing.T) {
	var store *memstore.Store
	var runs atomic.Int32
	var gotInput atomic.Value
	runner := runnerFunc(func(_ context.Context, tk *task.Task, _ *memstore.View) (*task.Result, error) {
		if runs.Add(1) >= 2 {
			if rec, err := store.Read(memstore.LayerWorking, "user_input"); err == nil {
				gotInput.Store(rec.ValueString())
			}
			store.Write(memstore.LayerSession, "patterns/billing", "billing pattern")
		}
		return &task.Result{Text: tk.Title + " output", Confidence: 0.9}, nil
	})

	gates := &GateSet{Phases: map[string]GateSpec{
		string(PhaseContextGathering): {
			Required: []string{"session:patterns/*"},
			Prompt:   "Name a pattern to look for.",
		},
	}}
	graphs := map[Phase]*compose.Graph{
		PhaseContextGathering: singleNodeGraph(PhaseContextGathering),
	}
	h := newHarness(t, runner, gates, graphs, 1)
	store = h.store

	if _, err := h.machine.Handle(context.Background(), "catalog the services"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	signals, cancel := h.bus.SubscribeChan(16, events.EventDegradation)
	defer cancel()

	if _, err := h.machine.Handle(context.Background(), "focus on the billing pattern"); err != nil {
		t.Fatalf("Handle gate input: %v", err)
	}
	if got := h.machine.Current(); got != PhaseDone {
		t.Errorf("phase after gate input: got %s, want done", got)
	}

	// The user's directive, not the remediation prompt, reaches the re-run.
	if got, _ := gotInput.Load().(string); got != "focus on the billing pattern" {
		t.Errorf("user_input seen by remediation run: %q", got)
	}

	// Overriding the lower-authority prompt is signaled, never silent.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-signals:
			p, ok := events.PayloadAs[events.DegradationPayload](e)
			if ok && p.Kind == events.DegradeAuthorityConflict && p.Healed {
				return
			}
		case <-deadline:
			t.Fatal("no authority resolution signal for the overridden prompt")
		}
	}
}
