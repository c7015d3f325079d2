package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, t *task.Task, view *memstore.View) (*task.Result, error)

func (f runnerFunc) Run(ctx context.Context, t *task.Task, view *memstore.View) (*task.Result, error) {
	return f(ctx, t, view)
}

func newTask(id string) *task.Task {
	return &task.Task{ID: id, Title: id, Budget: 100, Status: task.StatusPending}
}

func TestSpawnAndAwaitResult(t *testing.T) {
	store := task.NewFileStore(t.TempDir())
	runner := runnerFunc(func(_ context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		return &task.Result{Text: "done", Confidence: 0.9, TokensUsed: 42}, nil
	})
	p := NewPool(runner, Options{Store: store})
	defer p.Stop()

	tk := newTask("")
	if err := store.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := p.Spawn(context.Background(), tk, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	res, err := p.AwaitResult(context.Background(), h)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Text != "done" || res.TokensUsed != 42 {
		t.Errorf("result: %+v", res)
	}

	got, err := store.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusSucceeded {
		t.Errorf("status: got %s, want succeeded", got.Status)
	}
}

func TestWorkerTimeout(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := NewPool(runner, Options{Timeout: 20 * time.Millisecond})
	defer p.Stop()

	h, err := p.Spawn(context.Background(), newTask("t1"), 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	_, err = p.AwaitResult(context.Background(), h)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.TaskID != "t1" {
		t.Errorf("task id: %q", te.TaskID)
	}
}

func TestWorkerCrashRecovered(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		panic("boom")
	})
	p := NewPool(runner, Options{})
	defer p.Stop()

	h, err := p.Spawn(context.Background(), newTask("t1"), 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	_, err = p.AwaitResult(context.Background(), h)
	var ce *CrashedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CrashedError, got %v", err)
	}
	if ce.Cause != "boom" {
		t.Errorf("cause: %q", ce.Cause)
	}
}

func TestSpawnFailsFastWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		<-release
		return &task.Result{}, nil
	})
	p := NewPool(runner, Options{MaxWorkers: 1})
	defer p.Stop()

	if _, err := p.Spawn(context.Background(), newTask("t1"), 0); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	_, err := p.Spawn(context.Background(), newTask("t2"), 0)
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("second Spawn: got %v, want ErrNoCapacity", err)
	}
	close(release)
}

func TestSpawnFailsFastOnBudget(t *testing.T) {
	ledger := budget.NewLedger(map[string]int{"working": 50})
	runner := runnerFunc(func(_ context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		return &task.Result{}, nil
	})
	p := NewPool(runner, Options{Ledger: ledger})
	defer p.Stop()

	tk := newTask("t1") // budget 100 > ceiling 50
	_, err := p.Spawn(context.Background(), tk, 0)
	var be *budget.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceeded, got %v", err)
	}
	if p.Active() != 0 {
		t.Errorf("active workers after refused spawn: %d", p.Active())
	}
}

func TestHopTTLForcesEscalation(t *testing.T) {
	store := task.NewFileStore(t.TempDir())
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ *task.Task, _ *memstore.View) (*task.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	p := NewPool(runner, Options{Store: store})
	defer p.Stop()
	defer close(release)

	tk := newTask("")
	if err := store.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := p.Spawn(context.Background(), tk, 2)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.RecordHandoff(h, tk); err != nil {
			t.Fatalf("handoff %d: %v", i, err)
		}
	}
	err = p.RecordHandoff(h, tk)
	var he *HopLimitError
	if !errors.As(err, &he) {
		t.Fatalf("expected HopLimitError, got %v", err)
	}

	got, err := store.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusEscalated {
		t.Errorf("status: got %s, want escalated", got.Status)
	}

	if _, err := p.AwaitResult(context.Background(), h); !errors.As(err, &he) {
		t.Errorf("AwaitResult after escalation: %v", err)
	}
}

func TestWorkerSeesOnlyScopedMemory(t *testing.T) {
	mem, err := memstore.NewStore(memstore.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer mem.Close()

	if err := mem.Write(memstore.LayerSession, "discovery/facts", "three services"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mem.Write(memstore.LayerSession, "private/notes", "secret"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var scopeErr error
	runner := runnerFunc(func(_ context.Context, _ *task.Task, view *memstore.View) (*task.Result, error) {
		if _, err := view.Read(memstore.LayerSession, "discovery/facts"); err != nil {
			return nil, err
		}
		_, scopeErr = view.Read(memstore.LayerSession, "private/notes")
		return &task.Result{}, nil
	})
	p := NewPool(runner, Options{Memory: mem})
	defer p.Stop()

	tk := newTask("t1")
	tk.Scope = []string{"session:discovery/**"}
	h, err := p.Spawn(context.Background(), tk, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := p.AwaitResult(context.Background(), h); err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}

	if !errors.Is(scopeErr, memstore.ErrOutOfScope) {
		t.Errorf("out-of-scope read: got %v, want ErrOutOfScope", scopeErr)
	}
}
