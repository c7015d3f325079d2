package phase

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/mpernot/ordo/internal/memstore"
)

// GateSpec declares the exit gate of one phase: memory bindings that must
// exist before the next phase may start. Requirements take the form
// "layer:key"; the key part may be a doublestar glob, in which case at least
// one matching record satisfies it.
type GateSpec struct {
	Required []string `yaml:"required"`
	Prompt   string   `yaml:"prompt"` // what input would resolve a failure
}

// GateSet holds the exit gates for all phases. Phases without a declared
// gate advance freely.
type GateSet struct {
	Phases map[string]GateSpec `yaml:"phases"`
}

// LoadGates reads a gate declaration file.
func LoadGates(path string) (*GateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gates: %w", err)
	}
	return ParseGates(data)
}

// ParseGates parses a YAML gate declaration.
func ParseGates(data []byte) (*GateSet, error) {
	var gs GateSet
	if err := yaml.Unmarshal(data, &gs); err != nil {
		return nil, fmt.Errorf("parse gates: %w", err)
	}
	for name, spec := range gs.Phases {
		if !Valid(Phase(name)) {
			return nil, fmt.Errorf("gate declared for unknown phase %q", name)
		}
		for _, req := range spec.Required {
			if _, _, err := splitRequirement(req); err != nil {
				return nil, fmt.Errorf("phase %s: %w", name, err)
			}
		}
	}
	return &gs, nil
}

// Spec returns the gate for a phase, if any.
func (g *GateSet) Spec(p Phase) (GateSpec, bool) {
	if g == nil {
		return GateSpec{}, false
	}
	spec, ok := g.Phases[string(p)]
	return spec, ok
}

// Missing returns the unsatisfied requirements of a phase's exit gate.
func (g *GateSet) Missing(p Phase, store *memstore.Store) []string {
	spec, ok := g.Spec(p)
	if !ok {
		return nil
	}

	var missing []string
	for _, req := range spec.Required {
		layer, pattern, err := splitRequirement(req)
		if err != nil {
			missing = append(missing, req)
			continue
		}
		if !hasMatch(store, layer, pattern) {
			missing = append(missing, req)
		}
	}
	return missing
}

func splitRequirement(req string) (memstore.Layer, string, error) {
	layer, key, ok := strings.Cut(req, ":")
	if !ok || key == "" {
		return "", "", fmt.Errorf("malformed gate requirement %q, want layer:key", req)
	}
	l := memstore.Layer(layer)
	if !memstore.ValidLayer(l) {
		return "", "", fmt.Errorf("gate requirement %q names unknown layer", req)
	}
	return l, key, nil
}

func hasMatch(store *memstore.Store, layer memstore.Layer, pattern string) bool {
	if !strings.ContainsAny(pattern, "*?[{") {
		return store.Has(layer, pattern)
	}
	recs, err := store.List(layer)
	if err != nil {
		return false
	}
	for _, rec := range recs {
		if ok, err := doublestar.Match(pattern, rec.Key); err == nil && ok {
			return true
		}
	}
	return false
}
