// Package worker spawns, tracks, and tears down isolated execution contexts
// for tasks. A worker sees only the memory view scoped to its task, never the
// full session. Retry policy lives upstream; on crash or timeout the pool
// marks the task failed and returns a typed error, nothing more.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// Runner executes one task inside a worker context. Implementations wrap the
// external capability call (an LLM provider, a discovery scan). The view is
// the only memory the worker may read.
type Runner interface {
	Run(ctx context.Context, t *task.Task, view *memstore.View) (*task.Result, error)
}

// Handle is the live execution context created for one task. Exclusively
// owned by the pool; released when the task finishes, fails, or exceeds its
// hop TTL.
type Handle struct {
	ID          string
	TaskID      string
	Budget      int
	CreatedAt   time.Time
	TTLHops     int
	Reliability float64 // 0.0-1.0, used for weighted aggregation

	mu     sync.Mutex
	hops   int
	done   chan struct{}
	result *task.Result
	err    error
	cancel func()
}

// Hops returns the number of handoffs this worker has received.
func (h *Handle) Hops() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hops
}

// Done returns a channel closed when the worker finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) finish(res *task.Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return // already finished
	default:
	}
	h.result = res
	h.err = err
	close(h.done)
}

// TimeoutError reports a worker exceeding its execution deadline.
type TimeoutError struct {
	TaskID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker for task %s timed out after %s", e.TaskID, e.After)
}

// CrashedError reports a worker goroutine panicking or the runner failing.
type CrashedError struct {
	TaskID string
	Cause  string
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("worker for task %s crashed: %s", e.TaskID, e.Cause)
}

// HopLimitError reports a handoff pushing a worker past its TTL. The task is
// escalated, never silently continued.
type HopLimitError struct {
	TaskID string
	Hops   int
	TTL    int
}

func (e *HopLimitError) Error() string {
	return fmt.Sprintf("worker for task %s exceeded hop TTL: %d > %d", e.TaskID, e.Hops, e.TTL)
}
