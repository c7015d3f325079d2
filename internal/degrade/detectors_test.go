package degrade

import (
	"errors"
	"strings"
	"testing"

	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

func TestCheckMergeRefusesMixedFormats(t *testing.T) {
	mon, _, _, ch := newTestMonitor(t, nil, nil)

	a := &task.Task{ID: "task_a", Schema: &task.OutputSchema{Format: "json"}}
	b := &task.Task{ID: "task_b", Schema: &task.OutputSchema{Format: "prose"}}

	err := mon.CheckMerge(a, b)
	var mixed *MixedResponsibilityError
	if !errors.As(err, &mixed) {
		t.Fatalf("want MixedResponsibilityError, got %v", err)
	}
	if mixed.FormatA != "json" || mixed.FormatB != "prose" {
		t.Errorf("formats: %+v", mixed)
	}
	waitSignal(t, ch, kind(events.DegradeMixedResponsibility))

	c := &task.Task{ID: "task_c", Schema: &task.OutputSchema{Format: "json"}}
	if err := mon.CheckMerge(a, c); err != nil {
		t.Errorf("matching formats refused: %v", err)
	}
	if err := mon.CheckMerge(a, &task.Task{ID: "task_d"}); err != nil {
		t.Errorf("undeclared format refused: %v", err)
	}
}

func TestBoundaryPlacementWarnsOnBuriedRequirement(t *testing.T) {
	mon, store, _, ch := newTestMonitor(t, nil, nil)

	if err := store.WriteCritical(memstore.LayerSession, "must_use_tls", "all endpoints require TLS"); err != nil {
		t.Fatalf("WriteCritical: %v", err)
	}

	padding := strings.Repeat("filler paragraph about unrelated matters. ", 20)
	buried := "intro text. " + padding + "all endpoints require TLS. " + padding + "closing text."

	missing := mon.CheckBoundaryPlacement("task_1", buried)
	if len(missing) != 1 || missing[0] != "must_use_tls" {
		t.Fatalf("missing keys: %v", missing)
	}
	p := waitSignal(t, ch, kind(events.DegradeBoundaryPlacement))
	if p.Key != "must_use_tls" {
		t.Errorf("signal key: %q", p.Key)
	}

	placed := "all endpoints require TLS. " + padding + "end."
	if got := mon.CheckBoundaryPlacement("task_1", placed); len(got) != 0 {
		t.Errorf("requirement at the head flagged: %v", got)
	}
}

func TestResolveAuthorityHierarchy(t *testing.T) {
	mon, _, _, ch := newTestMonitor(t, nil, nil)

	win, err := mon.ResolveAuthority([]Instruction{
		{Source: AuthorityDocument, Directive: "use tabs"},
		{Source: AuthorityUser, Directive: "use spaces"},
	})
	if err != nil {
		t.Fatalf("ResolveAuthority: %v", err)
	}
	if win.Directive != "use spaces" {
		t.Errorf("winner: %q", win.Directive)
	}
	waitSignal(t, ch, func(p events.DegradationPayload) bool {
		return p.Kind == events.DegradeAuthorityConflict && p.Healed
	})
}

func TestResolveAuthorityUnresolvableEscalates(t *testing.T) {
	mon, _, _, ch := newTestMonitor(t, nil, nil)

	_, err := mon.ResolveAuthority([]Instruction{
		{Source: AuthorityUser, Directive: "write it in go"},
		{Source: AuthorityUser, Directive: "write it in rust"},
	})
	var conflict *AuthorityConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want AuthorityConflictError, got %v", err)
	}
	if conflict.Source != AuthorityUser || len(conflict.Directives) != 2 {
		t.Errorf("conflict: %+v", conflict)
	}
	waitSignal(t, ch, func(p events.DegradationPayload) bool {
		return p.Kind == events.DegradeAuthorityConflict && !p.Healed
	})
}

func TestSelectFormatClassifiesPerTaskType(t *testing.T) {
	mon, _, _, ch := newTestMonitor(t, nil, nil)

	summarize := &task.Task{
		ID:      "task_sum",
		Title:   "summarize findings",
		Request: task.Request{Instructions: "summarize the discovered service boundaries"},
	}
	if got := mon.SelectFormat(summarize, "json"); got != "prose" {
		t.Errorf("classified format: got %q, want prose", got)
	}
	p := waitSignal(t, ch, kind(events.DegradeFormatLockIn))
	if !p.Healed {
		t.Error("discarding an inherited format is a self-heal")
	}

	declared := &task.Task{ID: "task_decl", Schema: &task.OutputSchema{Format: "table"}}
	if got := mon.SelectFormat(declared, "json"); got != "table" {
		t.Errorf("declared format overridden: got %q", got)
	}

	extract := &task.Task{ID: "task_ext", Title: "extract service names"}
	if got := mon.SelectFormat(extract, ""); got != "json" {
		t.Errorf("extraction format: got %q, want json", got)
	}
}
