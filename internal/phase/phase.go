// Package phase implements the phase state machine that drives a session
// from scope discovery to a finished artifact.
package phase

// Phase is one state of the session lifecycle.
type Phase string

const (
	PhaseScopeDiscovery   Phase = "scope_discovery"
	PhaseContextGathering Phase = "context_gathering"
	PhaseAnalysis         Phase = "analysis"
	PhaseGeneration       Phase = "generation"
	PhaseReview           Phase = "review"
	PhaseDone             Phase = "done"
)

// Order lists the phases in execution order.
func Order() []Phase {
	return []Phase{
		PhaseScopeDiscovery,
		PhaseContextGathering,
		PhaseAnalysis,
		PhaseGeneration,
		PhaseReview,
		PhaseDone,
	}
}

// Valid reports whether p names a known phase.
func Valid(p Phase) bool {
	for _, q := range Order() {
		if p == q {
			return true
		}
	}
	return false
}

// Next returns the phase following p, or false from the terminal phase.
func (p Phase) Next() (Phase, bool) {
	order := Order()
	for i, q := range order {
		if p == q && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

// Terminal reports whether p is the final phase.
func (p Phase) Terminal() bool { return p == PhaseDone }
