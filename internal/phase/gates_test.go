package phase

import (
	"testing"

	"github.com/mpernot/ordo/internal/memstore"
)

const sampleGatesYAML = `
phases:
  scope_discovery:
    required: [session:goal]
  context_gathering:
    required: ["session:patterns/*"]
    prompt: Describe at least one pattern to look for.
`

func TestParseGates(t *testing.T) {
	gs, err := ParseGates([]byte(sampleGatesYAML))
	if err != nil {
		t.Fatalf("ParseGates: %v", err)
	}
	spec, ok := gs.Spec(PhaseContextGathering)
	if !ok {
		t.Fatal("context_gathering gate missing")
	}
	if spec.Prompt == "" || len(spec.Required) != 1 {
		t.Errorf("spec: %+v", spec)
	}
}

func TestParseGatesRejectsUnknownPhase(t *testing.T) {
	if _, err := ParseGates([]byte("phases:\n  warmup:\n    required: [session:x]\n")); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestParseGatesRejectsMalformedRequirement(t *testing.T) {
	if _, err := ParseGates([]byte("phases:\n  analysis:\n    required: [no_layer_separator]\n")); err == nil {
		t.Fatal("expected error for malformed requirement")
	}
	if _, err := ParseGates([]byte("phases:\n  analysis:\n    required: [\"attic:key\"]\n")); err == nil {
		t.Fatal("expected error for unknown layer")
	}
}

func TestGateMissing(t *testing.T) {
	gs, err := ParseGates([]byte(sampleGatesYAML))
	if err != nil {
		t.Fatalf("ParseGates: %v", err)
	}
	store, err := memstore.NewStore(memstore.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	missing := gs.Missing(PhaseContextGathering, store)
	if len(missing) != 1 || missing[0] != "session:patterns/*" {
		t.Fatalf("missing: %v", missing)
	}

	if err := store.Write(memstore.LayerSession, "patterns/service_base", "repo+service split"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if missing := gs.Missing(PhaseContextGathering, store); len(missing) != 0 {
		t.Errorf("glob requirement unsatisfied after matching write: %v", missing)
	}

	// No gate declared means the phase advances freely.
	if missing := gs.Missing(PhaseReview, store); missing != nil {
		t.Errorf("undeclared gate produced requirements: %v", missing)
	}
}

func TestPhaseOrder(t *testing.T) {
	next, ok := PhaseScopeDiscovery.Next()
	if !ok || next != PhaseContextGathering {
		t.Errorf("next of scope_discovery: %v", next)
	}
	if _, ok := PhaseDone.Next(); ok {
		t.Error("done must be terminal")
	}
	if !PhaseDone.Terminal() || PhaseReview.Terminal() {
		t.Error("terminal flags wrong")
	}
	if Valid("warmup") {
		t.Error("unknown phase accepted")
	}
}
