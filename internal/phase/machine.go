package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/compose"
	"github.com/mpernot/ordo/internal/degrade"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// Options wires the machine to the rest of the system.
type Options struct {
	Store     *memstore.Store
	Tasks     task.Store // optional, journals phase checkpoints
	Engine    *compose.Engine
	Bus       *events.Bus
	Monitor   *degrade.Monitor // optional, goal anchoring and drift advisories
	Artifacts capability.ArtifactStore
	Gates     *GateSet
	Graphs    map[Phase]*compose.Graph

	SessionID      string
	MaxGateRetries int           // remediation re-runs before escalating (default 3)
	PhaseDeadline  time.Duration // cancels a phase's sub-graph (0 = none)
}

// Machine drives a session through the phases. Exactly one inbound event
// type (UserMessage) and one outbound (AssistantTurn) cross its boundary.
type Machine struct {
	opts        Options
	unsubscribe func()

	// runMu serializes user messages; a session processes one turn at a time.
	runMu sync.Mutex

	stateMu      sync.RWMutex
	current      Phase
	artifactRef  string
	gateAttempts int
	awaitingGate bool
	sessionKeys  map[string]bool // session-layer keys present at phase entry
	lastOutput   *task.Result
	rootTaskID   string
}

// NewMachine creates the machine and attaches it to the bus.
func NewMachine(opts Options) *Machine {
	if opts.MaxGateRetries <= 0 {
		opts.MaxGateRetries = 3
	}
	m := &Machine{opts: opts}
	if opts.Bus != nil {
		m.unsubscribe = opts.Bus.Subscribe(m.onUserMessage, events.EventUserMessage)
	}
	return m
}

// Close detaches the machine from the bus.
func (m *Machine) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Current returns the active phase, empty before the first message.
func (m *Machine) Current() Phase {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

// ArtifactRef returns the finished artifact location once the session is done.
func (m *Machine) ArtifactRef() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.artifactRef
}

func (m *Machine) onUserMessage(e events.Event) {
	p, ok := events.PayloadAs[events.UserMessagePayload](e)
	if !ok {
		return
	}
	if _, err := m.Handle(context.Background(), p.Content); err != nil {
		slog.Error("phase machine: user message", "error", err)
	}
}

// Handle processes one user message and runs the machine until it blocks on
// the user or finishes. The returned string is the assistant turn content,
// which is also published on the bus.
func (m *Machine) Handle(ctx context.Context, content string) (string, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty message")
	}

	switch strings.ToLower(content) {
	case "revise":
		return m.revise()
	case "override":
		return m.overrideGate(ctx)
	}

	if m.Current() == "" {
		if err := m.start(content); err != nil {
			return "", err
		}
	} else if m.awaiting() {
		// The message is the input a failed gate asked for. The user's
		// directive outranks the phase controller's remediation prompt.
		directive, err := m.resolveDirective(content)
		if err != nil {
			return "", err
		}
		if err := m.opts.Store.Write(memstore.LayerWorking, "user_input", directive); err != nil {
			return "", err
		}
		m.setAwaiting(false)
		m.resetGateAttempts()
	}

	return m.run(ctx)
}

// start enters scope discovery: the first message is the session goal and is
// anchored for the drift detector.
func (m *Machine) start(goal string) error {
	if err := m.opts.Store.WriteCritical(memstore.LayerSession, "goal", goal); err != nil {
		return err
	}
	if m.opts.Monitor != nil {
		m.opts.Monitor.AnchorGoal(goal)
	}

	if m.opts.Tasks != nil {
		root := &task.Task{
			SessionID: m.opts.SessionID,
			Title:     "session controller",
			Request:   task.Request{Instructions: goal},
		}
		if err := m.opts.Tasks.Create(root); err != nil {
			return fmt.Errorf("create session root task: %w", err)
		}
		m.stateMu.Lock()
		m.rootTaskID = root.ID
		m.stateMu.Unlock()
	}

	m.enter(PhaseScopeDiscovery, false)
	return nil
}

// revise forces a transition back to context gathering. Prior artifacts and
// session findings are preserved; only working data is dropped.
func (m *Machine) revise() (string, error) {
	if m.Current() == "" {
		return "", fmt.Errorf("nothing to revise yet")
	}
	if err := m.opts.Store.EndTaskScope(); err != nil {
		return "", err
	}

	m.setAwaiting(false)
	m.resetGateAttempts()
	m.enter(PhaseContextGathering, true)

	msg := "Revision requested. Re-entering context gathering; prior artifacts are preserved."
	m.respond(events.AssistantTurnPayload{Content: msg, Phase: string(PhaseContextGathering)})
	return msg, nil
}

// overrideGate is the explicit user override: it advances past the failing
// exit gate and resumes.
func (m *Machine) overrideGate(ctx context.Context) (string, error) {
	if !m.awaiting() {
		return "", fmt.Errorf("no failed gate to override")
	}
	cur := m.Current()
	slog.Info("exit gate overridden by user", "phase", cur)
	m.setAwaiting(false)
	m.resetGateAttempts()
	m.advance(cur)
	return m.run(ctx)
}

func (m *Machine) run(ctx context.Context) (string, error) {
	for {
		cur := m.Current()
		if cur.Terminal() {
			return m.finish()
		}

		if err := m.runGraph(ctx, cur); err != nil {
			msg := fmt.Sprintf("Phase %s failed: %v", cur, err)
			m.respond(events.AssistantTurnPayload{Content: msg, Phase: string(cur), Error: err.Error()})
			return msg, err
		}

		missing := m.opts.Gates.Missing(cur, m.opts.Store)
		if len(missing) == 0 {
			m.advance(cur)
			continue
		}

		attempt := m.bumpGateAttempts()
		m.publishGateFailure(cur, missing, attempt)
		m.checkpoint(cur, fmt.Sprintf("exit gate failed, missing %s", strings.Join(missing, ", ")))

		if attempt < m.opts.MaxGateRetries {
			slog.Warn("exit gate failed, re-running phase graph as remediation",
				"phase", cur, "attempt", attempt, "missing", missing)
			continue
		}

		return m.escalateGate(cur, missing)
	}
}

// runGraph executes the phase's composition graph under the phase deadline.
// Phases with no declared graph produce no work of their own.
func (m *Machine) runGraph(ctx context.Context, p Phase) error {
	g := m.opts.Graphs[p]
	if g == nil {
		return nil
	}

	if m.opts.PhaseDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.PhaseDeadline)
		defer cancel()
	}

	gr, err := m.opts.Engine.Run(ctx, g, m.opts.SessionID)
	if err != nil {
		return err
	}
	if gr.Conflict != nil {
		return fmt.Errorf("unresolved consensus in phase %s: %w", p, gr.Conflict)
	}
	if gr.Failed > 0 {
		slog.Warn("phase graph completed degraded",
			"phase", p, "failed_nodes", gr.Failed, "errors", errors.Join(gr.Failures...))
	}

	m.stateMu.Lock()
	if gr.Output != nil {
		m.lastOutput = gr.Output
	}
	m.stateMu.Unlock()

	// Generation and review emit documents; critical requirements must be
	// restated near their boundaries. The check is advisory.
	if m.opts.Monitor != nil && gr.Output != nil && (p == PhaseGeneration || p == PhaseReview) {
		if missing := m.opts.Monitor.CheckBoundaryPlacement(m.rootTask(), gr.Output.Text); len(missing) > 0 {
			slog.Warn("critical requirements not restated near document boundaries",
				"phase", p, "keys", missing)
		}
	}
	return nil
}

// resolveDirective ranks the user's gate input against the remediation
// prompt the phase controller issued for the failing gate.
func (m *Machine) resolveDirective(content string) (string, error) {
	if m.opts.Monitor == nil {
		return content, nil
	}
	instructions := []degrade.Instruction{{Source: degrade.AuthorityUser, Directive: content}}
	if spec, ok := m.opts.Gates.Spec(m.Current()); ok && spec.Prompt != "" {
		instructions = append(instructions, degrade.Instruction{Source: degrade.AuthorityPhase, Directive: spec.Prompt})
	}
	winner, err := m.opts.Monitor.ResolveAuthority(instructions)
	if err != nil {
		return "", err
	}
	return winner.Directive, nil
}

// advance moves to the next phase. Goal drift is checked here, at the phase
// boundary, where it is advisory.
func (m *Machine) advance(cur Phase) {
	next, ok := cur.Next()
	if !ok {
		return
	}

	if m.opts.Monitor != nil {
		if drift, flagged := m.opts.Monitor.CheckGoalDrift(); flagged {
			slog.Warn("goal drift at phase boundary", "from", cur, "to", next, "drift", drift)
		}
	}

	m.resetGateAttempts()
	m.checkpoint(cur, "exit gate passed")
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourcePhase, events.PhaseAdvancedPayload{
			From: string(cur), To: string(next),
		}, m.opts.SessionID))
	}
	m.enter(next, false)
}

// enter makes p the current phase and snapshots the session layer so a
// failed gate can roll back to the phase start.
func (m *Machine) enter(p Phase, revision bool) {
	keys := make(map[string]bool)
	if recs, err := m.opts.Store.List(memstore.LayerSession); err == nil {
		for _, rec := range recs {
			keys[rec.Key] = true
		}
	}

	m.stateMu.Lock()
	m.current = p
	m.sessionKeys = keys
	m.stateMu.Unlock()

	m.checkpoint(p, "phase entered")
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourcePhase, events.PhaseEnteredPayload{
			Phase: string(p), Revision: revision,
		}, m.opts.SessionID))
	}
	slog.Info("phase entered", "phase", p, "revision", revision)
}

// escalateGate rolls the phase back to its start checkpoint and asks the
// user for the input that would resolve the gate.
func (m *Machine) escalateGate(cur Phase, missing []string) (string, error) {
	m.rollback(cur)
	m.setAwaiting(true)

	spec, _ := m.opts.Gates.Spec(cur)
	prompt := spec.Prompt
	if prompt == "" {
		prompt = "Provide the missing context, or send \"override\" to advance anyway."
	}

	msg := fmt.Sprintf("Phase %s cannot complete: exit gate unsatisfied after %d attempts (missing %s). %s",
		cur, m.opts.MaxGateRetries, strings.Join(missing, ", "), prompt)
	m.respond(events.AssistantTurnPayload{Content: msg, Phase: string(cur), GatePrompt: prompt})
	return msg, nil
}

// rollback restores the phase-start checkpoint: working data is dropped and
// session keys written during the failed phase are removed.
func (m *Machine) rollback(cur Phase) {
	if err := m.opts.Store.EndTaskScope(); err != nil {
		slog.Error("rollback: clear working layer", "error", err)
	}

	m.stateMu.RLock()
	snapshot := m.sessionKeys
	m.stateMu.RUnlock()

	recs, err := m.opts.Store.List(memstore.LayerSession)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if snapshot[rec.Key] {
			continue
		}
		if err := m.opts.Store.Delete(memstore.LayerSession, rec.Key); err != nil {
			slog.Error("rollback: delete session key", "key", rec.Key, "error", err)
		}
	}

	m.checkpoint(cur, "rolled back to phase start")
}

// finish emits the artifact reference and tears down working data.
func (m *Machine) finish() (string, error) {
	m.stateMu.RLock()
	out := m.lastOutput
	ref := m.artifactRef
	m.stateMu.RUnlock()

	if ref != "" {
		msg := "Session is complete. Artifact: " + ref
		m.respond(events.AssistantTurnPayload{Content: msg, Phase: string(PhaseDone), ArtifactRef: ref})
		return msg, nil
	}

	text := ""
	if out != nil {
		text = out.Text
	}

	if m.opts.Artifacts != nil {
		loc, err := m.opts.Artifacts.Save("deliverable.md", []byte(text))
		if err != nil {
			return "", fmt.Errorf("save deliverable: %w", err)
		}
		ref = loc
		if err := m.opts.Store.WriteArtifact("deliverable", loc, "finished session deliverable"); err != nil {
			return "", err
		}
	}

	if err := m.opts.Store.EndTaskScope(); err != nil {
		return "", err
	}

	m.stateMu.Lock()
	m.artifactRef = ref
	m.stateMu.Unlock()

	m.checkpoint(PhaseDone, "session complete")
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourcePhase, events.PhaseDonePayload{
			ArtifactRef: ref,
		}, m.opts.SessionID))
	}

	msg := "Session is complete."
	if ref != "" {
		msg += " Artifact: " + ref
	}
	m.respond(events.AssistantTurnPayload{Content: msg, Phase: string(PhaseDone), ArtifactRef: ref})
	return msg, nil
}

func (m *Machine) publishGateFailure(cur Phase, missing []string, attempt int) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourcePhase, events.GateFailedPayload{
		Phase:       string(cur),
		MissingKeys: missing,
		Attempt:     attempt,
		Remediation: "re-running phase graph",
	}, m.opts.SessionID))
}

func (m *Machine) respond(p events.AssistantTurnPayload) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(events.NewTypedEventWithSession(events.SourcePhase, p, m.opts.SessionID))
}

func (m *Machine) rootTask() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.rootTaskID
}

func (m *Machine) checkpoint(p Phase, summary string) {
	root := m.rootTask()
	if m.opts.Tasks == nil || root == "" {
		return
	}
	err := m.opts.Tasks.AppendCheckpoint(root, task.Checkpoint{
		Ts:      time.Now(),
		Phase:   string(p),
		Summary: summary,
	})
	if err != nil {
		slog.Error("append phase checkpoint", "phase", p, "error", err)
	}
}

func (m *Machine) awaiting() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.awaitingGate
}

func (m *Machine) setAwaiting(v bool) {
	m.stateMu.Lock()
	m.awaitingGate = v
	m.stateMu.Unlock()
}

func (m *Machine) resetGateAttempts() {
	m.stateMu.Lock()
	m.gateAttempts = 0
	m.stateMu.Unlock()
}

func (m *Machine) bumpGateAttempts() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.gateAttempts++
	return m.gateAttempts
}
