// Package compose executes workflow graphs over the worker dispatcher under
// four topologies: sequential chain, parallel fan-out/fan-in,
// supervisor/worker, and hierarchical.
package compose

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mpernot/ordo/internal/task"
)

// Topology selects how a graph's nodes are executed.
type Topology string

const (
	TopologySequential   Topology = "sequential"
	TopologyParallel     Topology = "parallel"
	TopologySupervisor   Topology = "supervisor"
	TopologyHierarchical Topology = "hierarchical"
)

// Node roles. Supervisor graphs have one supervisor node; hierarchical graphs
// have exactly the three layers, in order.
const (
	RoleSupervisor = "supervisor"
	RoleStrategy   = "strategy"
	RolePlanning   = "planning"
	RoleExecution  = "execution"
)

// Node is one task declaration inside a graph.
type Node struct {
	ID           string             `yaml:"id"`
	Title        string             `yaml:"title,omitempty"`
	Instructions string             `yaml:"instructions"`
	Needs        []string           `yaml:"needs,omitempty"` // upstream node ids
	Scope        []string           `yaml:"scope,omitempty"` // memory view patterns
	Budget       int                `yaml:"budget,omitempty"`
	Schema       *task.OutputSchema `yaml:"schema,omitempty"`
	Handoff      []string           `yaml:"handoff,omitempty"`   // fields required in the payload admitted downstream
	Fallback     string             `yaml:"fallback,omitempty"`  // node to run instead when this one fails
	Role         string             `yaml:"role,omitempty"`      // supervisor / strategy / planning / execution
	Weight       float64            `yaml:"weight,omitempty"`    // confidence multiplier for voting (default 1.0)
	MaxLoops     int                `yaml:"max_loops,omitempty"` // bounded reflection iterations (default 1)
}

// Graph is a declared workflow: a set of nodes plus the topology and
// aggregation policy that executes them.
type Graph struct {
	Name        string   `yaml:"name"`
	Topology    Topology `yaml:"topology"`
	Aggregation string   `yaml:"aggregation,omitempty"` // concat | dedupe | vote | consensus
	Consensus   string   `yaml:"consensus,omitempty"`   // majority | unanimous
	Nodes       []Node   `yaml:"nodes"`

	index map[string]*Node
	order []string // topological order
}

// LoadGraph reads and validates a YAML graph definition.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return ParseGraph(data)
}

// ParseGraph parses and validates a YAML graph definition.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the graph invariants: known dependencies, no cycles
// (bounded loops live in MaxLoops counters, never in edges), topology-specific
// role constraints.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %q has no nodes", g.Name)
	}

	g.index = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph %q: node %d has no id", g.Name, i)
		}
		if _, dup := g.index[n.ID]; dup {
			return fmt.Errorf("graph %q: duplicate node id %q", g.Name, n.ID)
		}
		g.index[n.ID] = n
	}

	// Kahn's algorithm over the dependency edges.
	inDegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] += 0
		for _, need := range n.Needs {
			if _, ok := g.index[need]; !ok {
				return fmt.Errorf("graph %q: node %q depends on unknown node %q", g.Name, n.ID, need)
			}
			inDegree[n.ID]++
			dependents[need] = append(dependents[need], n.ID)
		}
		if n.Fallback != "" {
			if _, ok := g.index[n.Fallback]; !ok {
				return fmt.Errorf("graph %q: node %q falls back to unknown node %q", g.Name, n.ID, n.Fallback)
			}
		}
	}

	var queue []string
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return fmt.Errorf("graph %q: cycle detected", g.Name)
	}
	g.order = order

	return g.validateTopology()
}

func (g *Graph) validateTopology() error {
	switch g.Topology {
	case TopologySequential, TopologyParallel:
		return nil
	case TopologySupervisor:
		supervisors := 0
		for _, n := range g.Nodes {
			if n.Role == RoleSupervisor {
				supervisors++
			}
		}
		if supervisors != 1 {
			return fmt.Errorf("graph %q: supervisor topology needs exactly one supervisor node, has %d", g.Name, supervisors)
		}
		return nil
	case TopologyHierarchical:
		// Strategy feeds planning feeds execution; planning can never
		// re-invoke strategy, which the edge direction already guarantees
		// once each layer is present exactly once.
		for _, role := range []string{RoleStrategy, RolePlanning, RoleExecution} {
			count := 0
			for _, n := range g.Nodes {
				if n.Role == role {
					count++
				}
			}
			if count != 1 {
				return fmt.Errorf("graph %q: hierarchical topology needs exactly one %s node, has %d", g.Name, role, count)
			}
		}
		return nil
	default:
		return fmt.Errorf("graph %q: unknown topology %q", g.Name, g.Topology)
	}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.index[id]
}

// Order returns node ids in topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ByRole returns the single node carrying a role, or nil.
func (g *Graph) ByRole(role string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Role == role {
			return &g.Nodes[i]
		}
	}
	return nil
}
