package degrade

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// MixedResponsibilityError reports two tasks whose declared response formats
// cannot share one merged context.
type MixedResponsibilityError struct {
	TaskA, TaskB     string
	FormatA, FormatB string
}

func (e *MixedResponsibilityError) Error() string {
	return fmt.Sprintf("tasks %s and %s declare incompatible response formats (%s vs %s)",
		e.TaskA, e.TaskB, e.FormatA, e.FormatB)
}

// CheckMerge refuses to merge the context of two tasks with incompatible
// response-format expectations. Tasks without a declared format merge freely.
func (m *Monitor) CheckMerge(a, b *task.Task) error {
	fa, fb := declaredFormat(a), declaredFormat(b)
	if fa == "" || fb == "" || fa == fb {
		return nil
	}

	err := &MixedResponsibilityError{TaskA: a.ID, TaskB: b.ID, FormatA: fa, FormatB: fb}
	m.signal(events.DegradationPayload{
		Kind:   events.DegradeMixedResponsibility,
		TaskID: a.ID,
		Detail: err.Error(),
		Healed: true,
	})
	return err
}

func declaredFormat(t *task.Task) string {
	if t == nil || t.Schema == nil {
		return ""
	}
	return t.Schema.Format
}

// CheckBoundaryPlacement verifies that every critical-flagged requirement is
// restated near a boundary of the generated document: within its first or
// last fraction (default 20%). Placement failures are advisory warnings and
// return the offending keys; they never reject the document.
func (m *Monitor) CheckBoundaryPlacement(taskID, doc string) []string {
	if m.store == nil || doc == "" {
		return nil
	}
	head, tail := boundaries(doc, m.cfg.BoundaryRatio)

	var missing []string
	for _, layer := range []memstore.Layer{memstore.LayerWorking, memstore.LayerSession} {
		recs, err := m.store.List(layer)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if !rec.Critical {
				continue
			}
			needle := strings.ToLower(rec.ValueString())
			if needle == "" {
				needle = strings.ToLower(rec.Key)
			}
			if strings.Contains(head, needle) || strings.Contains(tail, needle) {
				continue
			}
			missing = append(missing, rec.Key)
			m.signal(events.DegradationPayload{
				Kind:   events.DegradeBoundaryPlacement,
				Layer:  string(layer),
				Key:    rec.Key,
				TaskID: taskID,
				Detail: "critical requirement not restated near a document boundary",
			})
		}
	}
	return missing
}

func boundaries(doc string, ratio float64) (head, tail string) {
	lower := strings.ToLower(doc)
	n := int(float64(len(lower)) * ratio)
	if n <= 0 || n >= len(lower) {
		return lower, lower
	}
	return lower[:n], lower[len(lower)-n:]
}

// AnchorGoal captures the original goal, normally at scope discovery.
func (m *Monitor) AnchorGoal(goal string) {
	m.mu.Lock()
	m.goalAnchor = goal
	m.mu.Unlock()
}

// CheckGoalDrift diffs the anchored goal against the current working-layer
// snapshot. Drift is advisory: it is reported at phase boundaries, never
// blocking, since divergence may be an intentional scope change.
func (m *Monitor) CheckGoalDrift() (float64, bool) {
	m.mu.Lock()
	goal := m.goalAnchor
	m.mu.Unlock()
	if goal == "" || m.store == nil {
		return 0, false
	}

	recs, err := m.store.List(memstore.LayerWorking)
	if err != nil || len(recs) == 0 {
		return 0, false
	}
	var sb strings.Builder
	for _, rec := range recs {
		sb.WriteString(rec.ValueString())
		sb.WriteString(" ")
	}

	drift := 1 - jaccard(wordSet(goal), wordSet(sb.String()))
	if drift < m.cfg.DriftThreshold {
		return drift, false
	}

	m.signal(events.DegradationPayload{
		Kind:   events.DegradeGoalDrift,
		Layer:  string(memstore.LayerWorking),
		Detail: fmt.Sprintf("working snapshot diverged %.0f%% from anchored goal", drift*100),
	})
	return drift, true
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	union := len(b)
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// AuthoritySource ranks instruction origins; lower outranks higher.
type AuthoritySource int

const (
	AuthorityUser AuthoritySource = iota
	AuthorityPhase
	AuthorityDocument
)

func (s AuthoritySource) String() string {
	switch s {
	case AuthorityUser:
		return "user"
	case AuthorityPhase:
		return "phase_controller"
	case AuthorityDocument:
		return "document"
	}
	return "unknown"
}

// Instruction is a directive together with its origin.
type Instruction struct {
	Source    AuthoritySource
	Directive string
}

// AuthorityConflictError reports directives the source hierarchy cannot order.
type AuthorityConflictError struct {
	Source     AuthoritySource
	Directives []string
}

func (e *AuthorityConflictError) Error() string {
	return fmt.Sprintf("%d conflicting %s directives cannot be resolved", len(e.Directives), e.Source)
}

// ResolveAuthority picks the winning instruction by the fixed source
// hierarchy (user > phase controller > retrieved document). Conflicting
// directives within the highest-ranked source are unresolvable and escalate.
func (m *Monitor) ResolveAuthority(instructions []Instruction) (Instruction, error) {
	if len(instructions) == 0 {
		return Instruction{}, errors.New("no instructions to resolve")
	}

	top := instructions[0].Source
	for _, in := range instructions[1:] {
		if in.Source < top {
			top = in.Source
		}
	}

	var winner Instruction
	found := false
	distinct := make(map[string]bool)
	for _, in := range instructions {
		if in.Source != top {
			continue
		}
		if !found {
			winner, found = in, true
		}
		distinct[normalizeDirective(in.Directive)] = true
	}

	if len(distinct) > 1 {
		directives := make([]string, 0, len(distinct))
		for d := range distinct {
			directives = append(directives, d)
		}
		sort.Strings(directives)
		m.signal(events.DegradationPayload{
			Kind:   events.DegradeAuthorityConflict,
			Detail: fmt.Sprintf("%d conflicting %s directives", len(directives), top),
		})
		return Instruction{}, &AuthorityConflictError{Source: top, Directives: directives}
	}

	overridden := 0
	for _, in := range instructions {
		if in.Source != top && normalizeDirective(in.Directive) != normalizeDirective(winner.Directive) {
			overridden++
		}
	}
	if overridden > 0 {
		m.signal(events.DegradationPayload{
			Kind:   events.DegradeAuthorityConflict,
			Detail: fmt.Sprintf("%d lower-authority directives overridden by %s", overridden, top),
			Healed: true,
		})
	}
	return winner, nil
}

func normalizeDirective(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SelectFormat chooses the output format for a task: its own declaration
// wins, otherwise the task-type classification table decides. A format
// inherited from the previous task is never applied blindly.
func (m *Monitor) SelectFormat(t *task.Task, inherited string) string {
	if f := declaredFormat(t); f != "" {
		return f
	}

	classified := classifyFormat(t)
	if inherited != "" && inherited != classified {
		taskID := ""
		if t != nil {
			taskID = t.ID
		}
		m.signal(events.DegradationPayload{
			Kind:   events.DegradeFormatLockIn,
			TaskID: taskID,
			Detail: fmt.Sprintf("inherited format %q discarded, task classified as %q", inherited, classified),
			Healed: true,
		})
	}
	return classified
}

// classifyFormat is the task-type classification table.
func classifyFormat(t *task.Task) string {
	if t == nil {
		return "markdown"
	}
	text := strings.ToLower(t.Title + " " + t.Request.Instructions)
	switch {
	case containsAny(text, "json", "extract", "parse"):
		return "json"
	case containsAny(text, "table", "compare", "matrix"):
		return "table"
	case containsAny(text, "summar", "explain", "describe"):
		return "prose"
	default:
		return "markdown"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
