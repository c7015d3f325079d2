package task

import (
	"errors"
	"testing"
)

func f(v float64) *float64 { return &v }

func TestSchemaValidateRequired(t *testing.T) {
	s := &OutputSchema{Required: []string{"summary", "user_count"}}

	err := s.Validate(map[string]any{"summary": "ok"})
	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected SchemaViolation, got %v", err)
	}
	if sv.Field != "user_count" {
		t.Errorf("field: got %q", sv.Field)
	}

	if err := s.Validate(map[string]any{"summary": "ok", "user_count": 3}); err != nil {
		t.Errorf("valid output rejected: %v", err)
	}
}

func TestSchemaValidateBounds(t *testing.T) {
	s := &OutputSchema{
		Required: []string{"user_count"},
		Bounds:   map[string]Bound{"user_count": {Min: f(0)}},
	}

	err := s.Validate(map[string]any{"user_count": -1})
	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected SchemaViolation, got %v", err)
	}
	if sv.Field != "user_count" {
		t.Errorf("field: got %q", sv.Field)
	}

	if err := s.Validate(map[string]any{"user_count": 0}); err != nil {
		t.Errorf("boundary value rejected: %v", err)
	}
	if err := s.Validate(map[string]any{"user_count": float64(12)}); err != nil {
		t.Errorf("float value rejected: %v", err)
	}
}

func TestSchemaValidateBoundsMax(t *testing.T) {
	s := &OutputSchema{Bounds: map[string]Bound{"confidence": {Min: f(0), Max: f(1)}}}

	if err := s.Validate(map[string]any{"confidence": 1.5}); err == nil {
		t.Error("expected violation above maximum")
	}
	if err := s.Validate(map[string]any{"confidence": "high"}); err == nil {
		t.Error("expected violation for non-numeric value")
	}
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	var s *OutputSchema
	if err := s.Validate(map[string]any{"whatever": true}); err != nil {
		t.Errorf("nil schema: %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !PriorityHigh.Before(PriorityNormal) {
		t.Error("high should dispatch before normal")
	}
	if !PriorityNormal.Before(PriorityLow) {
		t.Error("normal should dispatch before low")
	}
	if PriorityLow.Before(PriorityLow) {
		t.Error("equal priorities are not ordered")
	}
}

func TestTerminal(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusEscalated: true,
	} {
		tk := &Task{Status: status}
		if got := tk.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Error("ids should be unique")
	}
	if len(a) != len("task_")+8 {
		t.Errorf("unexpected id shape: %q", a)
	}
}
