package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/task"
	"github.com/mpernot/ordo/internal/worker"
)

// OutputChecker validates a task output before it is admitted. The
// degradation monitor implements this; the fallback is the task's own schema.
type OutputChecker interface {
	CheckTaskOutput(t *task.Task, res *task.Result) error
}

// MergeChecker refuses fan-in of upstream outputs whose format expectations
// cannot share one merged context. The degradation monitor implements this.
type MergeChecker interface {
	CheckMerge(a, b *task.Task) error
}

// FormatSelector picks a node's output format from the task-type
// classification table, so a format inherited from the previous node is
// never applied blindly. The degradation monitor implements this.
type FormatSelector interface {
	SelectFormat(t *task.Task, inherited string) string
}

// Options configures an Engine.
type Options struct {
	Pool    *worker.Pool
	Store   task.Store
	Bus     *events.Bus
	Checker OutputChecker

	MaxConcurrency      int           // parallel fan-out bound (default 4)
	RetryLimit          int           // bounded retry per node (default 3)
	BackoffBase         time.Duration // exponential backoff base (default 500ms)
	ConfidenceThreshold float64       // supervisor verbatim-forward cutoff (default 0.8)
}

// Engine runs workflow graphs.
type Engine struct {
	opts Options
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.8
	}
	return &Engine{opts: opts}
}

// GraphResult is the outcome of one graph run.
type GraphResult struct {
	Output      *task.Result
	NodeResults map[string]*task.Result
	Discarded   int            // attempts rejected by schema gates
	Hops        int            // inter-task handoffs accrued along the run
	Failed      int            // parallel nodes lost before aggregation
	Failures    []error        // the lost nodes' errors
	Conflict    *ConflictError // unresolved consensus, for the phase controller
}

// Run executes the graph under its declared topology.
func (e *Engine) Run(ctx context.Context, g *Graph, sessionID string) (*GraphResult, error) {
	if g.index == nil {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}

	slog.Info("running workflow graph", "graph", g.Name, "topology", g.Topology, "nodes", len(g.Nodes))

	switch g.Topology {
	case TopologySequential:
		return e.runSequential(ctx, g, sessionID)
	case TopologyParallel:
		return e.runParallel(ctx, g, sessionID)
	case TopologySupervisor:
		return e.runSupervisor(ctx, g, sessionID)
	case TopologyHierarchical:
		return e.runHierarchical(ctx, g, sessionID)
	default:
		return nil, fmt.Errorf("unknown topology %q", g.Topology)
	}
}

// runSequential gates each node's output through its schema before admitting
// the next node, with fallback edges on exhausted failure.
func (e *Engine) runSequential(ctx context.Context, g *Graph, sessionID string) (*GraphResult, error) {
	gr := &GraphResult{NodeResults: make(map[string]*task.Result)}

	inherited := ""
	for _, id := range g.Order() {
		n := g.Node(id)

		if err := e.checkMerge(g, n, gr.NodeResults); err != nil {
			return nil, fmt.Errorf("graph %s node %s: %w", g.Name, n.ID, err)
		}
		payload := mergeUpstream(g, n, gr.NodeResults)
		if err := ValidateHandoff(upstreamLabel(n), n.ID, payload, n.Handoff); err != nil {
			return nil, err
		}

		// Every satisfied dependency edge is an inter-task handoff; the
		// cumulative count replays onto the next worker so the hop TTL
		// bounds the whole chain, not one worker.
		for _, need := range n.Needs {
			if gr.NodeResults[need] != nil {
				gr.Hops++
			}
		}

		format := e.chooseFormat(n, inherited)
		res, discarded, err := e.runNode(ctx, n, sessionID, payload, "", gr.Hops, format)
		gr.Discarded += discarded
		if err != nil {
			if n.Fallback != "" {
				slog.Warn("node failed, taking fallback edge", "graph", g.Name, "node", n.ID, "fallback", n.Fallback, "error", err)
				fb := g.Node(n.Fallback)
				res, discarded, err = e.runNode(ctx, fb, sessionID, payload, "", gr.Hops, e.chooseFormat(fb, inherited))
				gr.Discarded += discarded
			}
			if err != nil {
				return nil, fmt.Errorf("graph %s node %s: %w", g.Name, n.ID, err)
			}
		}
		if format != "" {
			inherited = format
		}
		gr.NodeResults[n.ID] = res
		gr.Output = res
	}
	return gr, nil
}

// checkMerge refuses a fan-in when the node's upstream sources declared
// incompatible response formats.
func (e *Engine) checkMerge(g *Graph, n *Node, results map[string]*task.Result) error {
	mc, ok := e.opts.Checker.(MergeChecker)
	if !ok || len(n.Needs) < 2 {
		return nil
	}

	var sources []*task.Task
	for _, need := range n.Needs {
		if results[need] == nil {
			continue
		}
		up := g.Node(need)
		sources = append(sources, &task.Task{ID: up.ID, Title: up.Title, Schema: up.Schema})
	}
	for i := range sources {
		for j := i + 1; j < len(sources); j++ {
			if err := mc.CheckMerge(sources[i], sources[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// chooseFormat consults the checker's classification table for the node's
// output format. Empty means no selector is wired and the node's own
// declaration stands.
func (e *Engine) chooseFormat(n *Node, inherited string) string {
	fs, ok := e.opts.Checker.(FormatSelector)
	if !ok {
		return ""
	}
	t := &task.Task{ID: n.ID, Title: n.Title, Request: task.Request{Instructions: n.Instructions}, Schema: n.Schema}
	return fs.SelectFormat(t, inherited)
}

// runParallel fans independent nodes out under bounded concurrency and folds
// the outcomes with the declared aggregation strategy.
func (e *Engine) runParallel(ctx context.Context, g *Graph, sessionID string) (*GraphResult, error) {
	gr := &GraphResult{NodeResults: make(map[string]*task.Result)}

	sem := make(chan struct{}, e.opts.MaxConcurrency)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes []Outcome
		failures []error
	)

	for i := range g.Nodes {
		n := &g.Nodes[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, weight, discarded, err := e.runNodeWeighted(ctx, n, sessionID, nil)
			mu.Lock()
			defer mu.Unlock()
			gr.Discarded += discarded
			if err != nil {
				failures = append(failures, fmt.Errorf("node %s: %w", n.ID, err))
				return
			}
			gr.NodeResults[n.ID] = res
			outcomes = append(outcomes, Outcome{
				NodeID: n.ID, Result: res, Weight: weight, CompletedAt: time.Now(),
			})
		}()
	}
	wg.Wait()

	// Partial failures surface on the result; the callers decide whether a
	// degraded fan-in is acceptable.
	gr.Failed = len(failures)
	gr.Failures = failures

	if len(outcomes) == 0 {
		return nil, fmt.Errorf("graph %s: all nodes failed: %w", g.Name, errors.Join(failures...))
	}
	if gr.Failed > 0 {
		slog.Warn("parallel fan-out lost nodes", "graph", g.Name, "failed", gr.Failed, "survived", len(outcomes))
	}

	out, err := Aggregate(g.Aggregation, g.Consensus, outcomes)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// Unresolved conflicts go upward, not away.
			gr.Conflict = conflict
			return gr, nil
		}
		return nil, err
	}
	gr.Output = out
	return gr, nil
}

// runSupervisor issues the worker nodes, forwards confident child outputs
// verbatim, and has the supervisor summarize the rest.
func (e *Engine) runSupervisor(ctx context.Context, g *Graph, sessionID string) (*GraphResult, error) {
	gr := &GraphResult{NodeResults: make(map[string]*task.Result)}
	sup := g.ByRole(RoleSupervisor)

	var verbatim []string
	lowConfidence := make(map[string]any)

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Role == RoleSupervisor {
			continue
		}
		res, discarded, err := e.runNode(ctx, n, sessionID, nil, sup.ID, 0, "")
		gr.Discarded += discarded
		if err != nil {
			return nil, fmt.Errorf("graph %s child %s: %w", g.Name, n.ID, err)
		}
		gr.NodeResults[n.ID] = res

		if res.Confidence >= e.opts.ConfidenceThreshold {
			// High-confidence outputs bypass supervisor paraphrase to avoid
			// fidelity loss.
			verbatim = append(verbatim, res.Text)
		} else {
			lowConfidence[n.ID] = res.Text
		}
	}

	if len(lowConfidence) > 0 {
		// Each low-confidence output handed to the supervisor is an
		// inter-task handoff.
		gr.Hops += len(lowConfidence)
		res, discarded, err := e.runNode(ctx, sup, sessionID, lowConfidence, "", gr.Hops, "")
		gr.Discarded += discarded
		if err != nil {
			return nil, fmt.Errorf("graph %s supervisor: %w", g.Name, err)
		}
		gr.NodeResults[sup.ID] = res
		verbatim = append(verbatim, res.Text)
	}

	gr.Output = &task.Result{Text: joinSections(verbatim), Confidence: 1.0}
	for _, res := range gr.NodeResults {
		gr.Output.TokensUsed += res.TokensUsed
	}
	return gr, nil
}

// runHierarchical chains strategy into planning into execution; each layer's
// output becomes the next layer's task specification. Planning can never
// re-invoke strategy.
func (e *Engine) runHierarchical(ctx context.Context, g *Graph, sessionID string) (*GraphResult, error) {
	gr := &GraphResult{NodeResults: make(map[string]*task.Result)}

	var prev *task.Result
	prevID := ""
	for _, role := range []string{RoleStrategy, RolePlanning, RoleExecution} {
		n := g.ByRole(role)

		var payload map[string]any
		if prev != nil {
			payload = prev.Output
			if err := ValidateHandoff(prevID, n.ID, payload, n.Handoff); err != nil {
				return nil, err
			}
		}

		spec := n.Instructions
		if prev != nil && prev.Text != "" {
			spec = spec + "\n\n" + prev.Text
		}

		if prev != nil {
			gr.Hops++
		}
		res, discarded, err := e.runNodeSpec(ctx, n, sessionID, payload, spec, "", gr.Hops)
		gr.Discarded += discarded
		if err != nil {
			return nil, fmt.Errorf("graph %s layer %s: %w", g.Name, role, err)
		}
		gr.NodeResults[n.ID] = res
		prev, prevID = res, n.ID
	}

	gr.Output = prev
	return gr, nil
}

func (e *Engine) runNode(ctx context.Context, n *Node, sessionID string, inputs map[string]any, parentID string, hops int, format string) (*task.Result, int, error) {
	res, _, discarded, err := e.attemptNode(ctx, n, sessionID, inputs, n.Instructions, parentID, hops, format)
	return res, discarded, err
}

func (e *Engine) runNodeWeighted(ctx context.Context, n *Node, sessionID string, inputs map[string]any) (*task.Result, float64, int, error) {
	// Fan-in aggregation is engine-side, not a worker handoff; parallel
	// nodes start with a clean hop count.
	res, weight, discarded, err := e.attemptNode(ctx, n, sessionID, inputs, n.Instructions, "", 0, "")
	return res, weight, discarded, err
}

func (e *Engine) runNodeSpec(ctx context.Context, n *Node, sessionID string, inputs map[string]any, spec, parentID string, hops int) (*task.Result, int, error) {
	res, _, discarded, err := e.attemptNode(ctx, n, sessionID, inputs, spec, parentID, hops, "")
	return res, discarded, err
}

// attemptNode runs one node with bounded retry. Only transient provider
// faults, worker timeouts, and schema rejections are retried; everything else
// fails immediately.
func (e *Engine) attemptNode(ctx context.Context, n *Node, sessionID string, inputs map[string]any, instructions, parentID string, hops int, format string) (*task.Result, float64, int, error) {
	attempts := e.opts.RetryLimit
	if n.MaxLoops > 0 {
		attempts = n.MaxLoops
	}

	discarded := 0
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, 0, discarded, err
			}
		}

		t := e.buildTask(n, sessionID, inputs, instructions, parentID, attempt, format)
		if e.opts.Store != nil {
			if err := e.opts.Store.Create(t); err != nil {
				return nil, 0, discarded, err
			}
		} else if t.ID == "" {
			t.ID = task.GenerateID()
		}

		h, err := e.opts.Pool.Spawn(ctx, t, 0)
		if err != nil {
			return nil, 0, discarded, err
		}

		if err := e.replayHops(h, t, hops); err != nil {
			return nil, 0, discarded, err
		}

		res, err := e.opts.Pool.AwaitResult(ctx, h)
		if err != nil {
			if retryable(err) {
				lastErr = err
				slog.Warn("node attempt failed, retrying", "node", n.ID, "attempt", attempt+1, "error", err)
				continue
			}
			return nil, 0, discarded, err
		}

		if cerr := e.check(t, res); cerr != nil {
			discarded++
			lastErr = cerr
			slog.Warn("node output discarded by schema gate", "node", n.ID, "attempt", attempt+1, "error", cerr)
			continue
		}

		return res, res.Confidence * h.Reliability, discarded, nil
	}

	e.escalate(n, sessionID, lastErr)
	return nil, 0, discarded, fmt.Errorf("node %s exhausted %d attempts: %w", n.ID, attempts, lastErr)
}

// replayHops charges the run's accumulated handoffs against a fresh handle.
// The pool escalates and tears the worker down past its TTL.
func (e *Engine) replayHops(h *worker.Handle, t *task.Task, hops int) error {
	for i := 0; i < hops; i++ {
		if err := e.opts.Pool.RecordHandoff(h, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildTask(n *Node, sessionID string, inputs map[string]any, instructions, parentID string, attempt int, format string) *task.Task {
	title := n.Title
	if title == "" {
		title = n.ID
	}
	t := &task.Task{
		SessionID:  sessionID,
		ParentID:   parentID,
		Title:      title,
		Request:    task.Request{Instructions: instructions, Inputs: inputs},
		Scope:      n.Scope,
		Budget:     n.Budget,
		Priority:   task.PriorityNormal,
		Schema:     n.Schema,
		RetryCount: attempt,
	}
	if format != "" {
		if t.Schema == nil {
			t.Schema = &task.OutputSchema{Format: format}
		} else if t.Schema.Format != format {
			// Copy; the graph's declared schema stays untouched.
			s := *n.Schema
			s.Format = format
			t.Schema = &s
		}
	}
	return t
}

func (e *Engine) check(t *task.Task, res *task.Result) error {
	if e.opts.Checker != nil {
		return e.opts.Checker.CheckTaskOutput(t, res)
	}
	return t.Schema.Validate(res.Output)
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := e.opts.BackoffBase << (attempt - 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (e *Engine) escalate(n *Node, sessionID string, cause error) {
	if e.opts.Bus == nil {
		return
	}
	reason := "retry limit exhausted"
	if cause != nil {
		reason = reason + ": " + cause.Error()
	}
	e.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourceCompose, events.TaskEscalatedPayload{
		TaskID: n.ID, Reason: reason,
	}, sessionID))
}

// retryable reports whether a worker failure is worth another attempt.
func retryable(err error) bool {
	var pe *capability.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var te *worker.TimeoutError
	return errors.As(err, &te)
}

// mergeUpstream folds the outputs of a node's dependencies into one payload.
func mergeUpstream(g *Graph, n *Node, results map[string]*task.Result) map[string]any {
	if len(n.Needs) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for _, need := range n.Needs {
		res, ok := results[need]
		if !ok || res == nil {
			continue
		}
		for k, v := range res.Output {
			merged[k] = v
		}
	}
	return merged
}

func upstreamLabel(n *Node) string {
	if len(n.Needs) == 1 {
		return n.Needs[0]
	}
	return "upstream"
}

func joinSections(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}
