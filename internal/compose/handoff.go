package compose

import (
	"fmt"
	"strings"
)

// IncompleteHandoffError reports a handoff payload missing required fields.
// The payload is never admitted downstream.
type IncompleteHandoffError struct {
	From    string
	To      string
	Missing []string
}

func (e *IncompleteHandoffError) Error() string {
	return fmt.Sprintf("handoff %s -> %s missing required fields: %s",
		e.From, e.To, strings.Join(e.Missing, ", "))
}

// ValidateHandoff checks an inter-task payload against the receiving node's
// required-fields declaration.
func ValidateHandoff(from, to string, payload map[string]any, required []string) error {
	if len(required) == 0 {
		return nil
	}
	var missing []string
	for _, field := range required {
		v, ok := payload[field]
		if !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &IncompleteHandoffError{From: from, To: to, Missing: missing}
	}
	return nil
}
