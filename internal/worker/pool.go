package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// ErrNoCapacity is returned when every worker slot is busy. The caller
// shrinks scope or waits; the pool never queues silently.
var ErrNoCapacity = errors.New("no worker slots available")

// Options configures a Pool.
type Options struct {
	Store      task.Store
	Bus        *events.Bus
	Memory     *memstore.Store
	Ledger     *budget.Ledger
	MaxWorkers int           // concurrent worker slots (default 4)
	Timeout    time.Duration // per-worker execution deadline (default 2m)
	TTLHops    int           // default handoff TTL (default 5)
}

// Pool is the worker registry and dispatcher. It owns every live Handle.
type Pool struct {
	runner Runner
	opts   Options

	mu        sync.Mutex
	active    map[string]*Handle // worker id -> handle
	completed int
	succeeded int

	wg sync.WaitGroup
}

// NewPool creates a Pool executing tasks through runner.
func NewPool(runner Runner, opts Options) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.TTLHops <= 0 {
		opts.TTLHops = 5
	}
	return &Pool{
		runner: runner,
		opts:   opts,
		active: make(map[string]*Handle),
	}
}

// Active returns the number of live workers.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stop waits for all running workers to finish.
func (p *Pool) Stop() {
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

// reliabilityScore is the weight assigned to new handles, derived from the
// pool's observed success ratio with Laplace smoothing.
func (p *Pool) reliabilityScore() float64 {
	return float64(p.succeeded+1) / float64(p.completed+2)
}

// Spawn creates an isolated worker for a task. The task's declared budget is
// reserved up front against the working layer; reservation failure fails fast
// so the caller can shrink scope or escalate. ttlHops <= 0 uses the pool
// default.
func (p *Pool) Spawn(ctx context.Context, t *task.Task, ttlHops int) (*Handle, error) {
	if ttlHops <= 0 {
		ttlHops = p.opts.TTLHops
	}

	p.mu.Lock()
	if len(p.active) >= p.opts.MaxWorkers {
		p.mu.Unlock()
		return nil, fmt.Errorf("spawn worker for task %s: %w", t.ID, ErrNoCapacity)
	}

	h := &Handle{
		ID:          "wrk_" + strings.ReplaceAll(uuid.New().String()[:8], "-", ""),
		TaskID:      t.ID,
		Budget:      t.Budget,
		CreatedAt:   time.Now(),
		TTLHops:     ttlHops,
		Reliability: p.reliabilityScore(),
		done:        make(chan struct{}),
	}
	p.active[h.ID] = h
	p.mu.Unlock()

	var reservation *budget.Reservation
	if p.opts.Ledger != nil && t.Budget > 0 {
		r, err := p.opts.Ledger.Reserve(string(memstore.LayerWorking), t.ID, t.Budget)
		if err != nil {
			p.remove(h)
			return nil, fmt.Errorf("spawn worker for task %s: %w", t.ID, err)
		}
		reservation = r
	}

	now := time.Now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	if p.opts.Store != nil {
		if err := p.opts.Store.Update(t); err != nil {
			if reservation != nil {
				p.opts.Ledger.Release(reservation)
			}
			p.remove(h)
			return nil, err
		}
	}

	p.publish(t.SessionID, events.TaskStartedPayload{
		TaskID: t.ID, WorkerID: h.ID, Budget: t.Budget,
	})
	slog.Info("worker spawned", "worker", h.ID, "task_id", t.ID, "budget", t.Budget, "ttl_hops", ttlHops)

	wctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	var view *memstore.View
	if p.opts.Memory != nil {
		view = p.opts.Memory.View(t.ID, t.Scope)
	}

	p.wg.Add(1)
	go p.execute(wctx, cancel, h, t, view, reservation)

	return h, nil
}

func (p *Pool) execute(ctx context.Context, cancel context.CancelFunc, h *Handle, t *task.Task, view *memstore.View, reservation *budget.Reservation) {
	defer p.wg.Done()
	defer cancel()
	defer p.remove(h)

	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := &CrashedError{TaskID: t.ID, Cause: fmt.Sprint(r)}
			slog.Error("worker panicked", "worker", h.ID, "task_id", t.ID, "panic", r)
			p.settleFailure(h, t, reservation, err)
		}
	}()

	res, err := p.runner.Run(ctx, t, view)
	if h.finished() {
		// Already settled elsewhere (hop escalation, explicit termination).
		if reservation != nil {
			p.opts.Ledger.Release(reservation)
		}
		return
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{TaskID: t.ID, After: p.opts.Timeout}
		}
		p.settleFailure(h, t, reservation, err)
		return
	}

	if reservation != nil {
		if cerr := p.opts.Ledger.Commit(reservation, res.TokensUsed); cerr != nil {
			// Consumption was clamped to the reservation; the overrun itself
			// still fails the task.
			slog.Warn("worker overran its budget", "worker", h.ID, "task_id", t.ID, "error", cerr)
			p.settleFailure(h, t, nil, cerr)
			return
		}
	}

	now := time.Now()
	t.Status = task.StatusSucceeded
	t.CompletedAt = &now
	t.Result = res
	if p.opts.Store != nil {
		_ = p.opts.Store.Update(t)
	}

	p.mu.Lock()
	p.completed++
	p.succeeded++
	p.mu.Unlock()

	p.publish(t.SessionID, events.TaskSucceededPayload{
		TaskID: t.ID, WorkerID: h.ID,
		TokensUsed: res.TokensUsed, Confidence: res.Confidence,
		Duration: time.Since(started),
	})
	h.finish(res, nil)
}

func (p *Pool) settleFailure(h *Handle, t *task.Task, reservation *budget.Reservation, err error) {
	if reservation != nil {
		p.opts.Ledger.Release(reservation)
	}
	if h.finished() {
		return
	}

	now := time.Now()
	t.Status = task.StatusFailed
	t.CompletedAt = &now
	t.Result = &task.Result{Error: err.Error()}
	if p.opts.Store != nil {
		_ = p.opts.Store.Update(t)
	}

	p.mu.Lock()
	p.completed++
	p.mu.Unlock()

	p.publish(t.SessionID, events.TaskFailedPayload{
		TaskID: t.ID, WorkerID: h.ID, Error: err.Error(), Retried: t.RetryCount,
	})
	h.finish(nil, err)
}

// AwaitResult blocks until the worker finishes or ctx expires. Failures come
// back as *TimeoutError, *CrashedError, or *HopLimitError.
func (p *Pool) AwaitResult(ctx context.Context, h *Handle) (*task.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

// Terminate cancels a running worker and releases its handle.
func (p *Pool) Terminate(h *Handle) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.remove(h)
}

// RecordHandoff increments the handle's hop count. Crossing the TTL forces
// termination: the task is escalated and the worker torn down.
func (p *Pool) RecordHandoff(h *Handle, t *task.Task) error {
	h.mu.Lock()
	h.hops++
	hops := h.hops
	h.mu.Unlock()

	if hops <= h.TTLHops {
		return nil
	}

	err := &HopLimitError{TaskID: h.TaskID, Hops: hops, TTL: h.TTLHops}
	slog.Warn("hop TTL exceeded", "worker", h.ID, "task_id", h.TaskID, "hops", hops, "ttl", h.TTLHops)

	now := time.Now()
	t.Status = task.StatusEscalated
	t.CompletedAt = &now
	t.Result = &task.Result{Error: err.Error()}
	if p.opts.Store != nil {
		_ = p.opts.Store.Update(t)
	}

	p.publish(t.SessionID, events.TaskEscalatedPayload{
		TaskID: h.TaskID, Reason: "hop TTL exceeded", Hops: hops,
	})

	h.finish(nil, err)
	p.Terminate(h)
	return err
}

func (p *Pool) remove(h *Handle) {
	p.mu.Lock()
	delete(p.active, h.ID)
	p.mu.Unlock()
}

func (p *Pool) publish(sessionID string, payload events.EventPayload) {
	if p.opts.Bus == nil {
		return
	}
	p.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourceWorker, payload, sessionID))
}
