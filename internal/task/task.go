// Package task defines the unit of work handed to workers and the schema
// contract their outputs are validated against.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
)

// Priority orders tasks competing for dispatch slots.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// weight returns the numeric dispatch ordering for a priority.
func (p Priority) weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Before reports whether p should dispatch ahead of other.
func (p Priority) Before(other Priority) bool {
	return p.weight() > other.weight()
}

// Request is the capability request a task carries: free-form instructions
// plus structured inputs.
type Request struct {
	Instructions string         `json:"instructions"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}

// Bound is an inclusive numeric range constraint on an output field.
type Bound struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// OutputSchema declares what a valid task output looks like: fields that must
// be present, numeric bounds, and an expected rendering format.
type OutputSchema struct {
	Required []string         `json:"required,omitempty"`
	Bounds   map[string]Bound `json:"bounds,omitempty"`
	Format   string           `json:"format,omitempty"` // "markdown" | "json" | "table" | "prose"
}

// SchemaViolation reports which field of an output failed validation.
type SchemaViolation struct {
	Field  string
	Reason string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("output schema violation on %q: %s", e.Field, e.Reason)
}

// Validate checks an output payload against the schema. It returns a
// *SchemaViolation on the first failing field.
func (s *OutputSchema) Validate(output map[string]any) error {
	if s == nil {
		return nil
	}
	for _, field := range s.Required {
		v, ok := output[field]
		if !ok || v == nil {
			return &SchemaViolation{Field: field, Reason: "required field missing"}
		}
	}
	for field, bound := range s.Bounds {
		v, ok := output[field]
		if !ok {
			continue
		}
		n, ok := asFloat(v)
		if !ok {
			return &SchemaViolation{Field: field, Reason: "bounded field is not numeric"}
		}
		if bound.Min != nil && n < *bound.Min {
			return &SchemaViolation{Field: field, Reason: fmt.Sprintf("value %v below minimum %v", n, *bound.Min)}
		}
		if bound.Max != nil && n > *bound.Max {
			return &SchemaViolation{Field: field, Reason: fmt.Sprintf("value %v above maximum %v", n, *bound.Max)}
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Result holds the outcome of a finished task.
type Result struct {
	Output     map[string]any `json:"output,omitempty"`
	Text       string         `json:"text,omitempty"`
	Confidence float64        `json:"confidence"`
	TokensUsed int            `json:"tokens_used"`
	Error      string         `json:"error,omitempty"`
}

// Task is a unit of work submitted to a worker or executed inline. It is
// owned by whichever component submitted it and destroyed after its result
// is absorbed.
type Task struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id,omitempty"`
	ParentID    string        `json:"parent_id,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Title       string        `json:"title"`
	Request     Request       `json:"request"`
	Scope       []string      `json:"scope,omitempty"` // memory view patterns, "layer:keyglob"
	Budget      int           `json:"budget"`          // declared context budget in tokens
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Schema      *OutputSchema `json:"schema,omitempty"`
	RetryCount  int           `json:"retry_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Result      *Result       `json:"result,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// Checkpoint records a point-in-time snapshot of task progress.
type Checkpoint struct {
	Ts      time.Time `json:"ts"`
	Phase   string    `json:"phase,omitempty"`
	Summary string    `json:"summary"`
}

// GenerateID creates a unique task identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
