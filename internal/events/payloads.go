package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// NewTypedEvent wraps a typed payload into an Event.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewTypedEventWithSession(source, payload, "")
}

// NewTypedEventWithSession wraps a typed payload into an Event with session context.
func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	return Event{
		ID:        generateEventID(),
		SessionID: sessionID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(payload EventPayload) map[string]any {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// PayloadAs decodes an event payload into a typed struct.
// Returns false if the event type does not match the payload type.
func PayloadAs[T EventPayload](e Event) (T, bool) {
	var out T
	if e.Type != out.EventType() {
		return out, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

// =============================================================================
// HUMAN INTERFACE BOUNDARY
// =============================================================================

// UserMessagePayload is the single inbound event type of the phase controller.
type UserMessagePayload struct {
	Content string `json:"content"`
}

func (UserMessagePayload) EventType() EventType { return EventUserMessage }

// AssistantTurnPayload is the single outbound event type of the phase controller.
// It may embed a gate prompt or a finished artifact reference.
type AssistantTurnPayload struct {
	Content     string `json:"content"`
	Phase       string `json:"phase,omitempty"`
	GatePrompt  string `json:"gate_prompt,omitempty"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (AssistantTurnPayload) EventType() EventType { return EventAssistantTurn }

// =============================================================================
// TASK LIFECYCLE
// =============================================================================

type TaskCreatedPayload struct {
	TaskID       string `json:"task_id"`
	Instructions string `json:"instructions"`
	ParentID     string `json:"parent_id,omitempty"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskStartedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Budget   int    `json:"budget"`
}

func (TaskStartedPayload) EventType() EventType { return EventTaskStarted }

type TaskSucceededPayload struct {
	TaskID     string        `json:"task_id"`
	WorkerID   string        `json:"worker_id"`
	TokensUsed int           `json:"tokens_used"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
}

func (TaskSucceededPayload) EventType() EventType { return EventTaskSucceeded }

type TaskFailedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error"`
	Retried  int    `json:"retried"`
}

func (TaskFailedPayload) EventType() EventType { return EventTaskFailed }

type TaskEscalatedPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
	Hops   int    `json:"hops,omitempty"`
}

func (TaskEscalatedPayload) EventType() EventType { return EventTaskEscalated }

// =============================================================================
// PHASE LIFECYCLE
// =============================================================================

type PhaseEnteredPayload struct {
	Phase    string `json:"phase"`
	Revision bool   `json:"revision,omitempty"`
}

func (PhaseEnteredPayload) EventType() EventType { return EventPhaseEntered }

type PhaseAdvancedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (PhaseAdvancedPayload) EventType() EventType { return EventPhaseAdvanced }

type GateFailedPayload struct {
	Phase       string   `json:"phase"`
	MissingKeys []string `json:"missing_keys"`
	Attempt     int      `json:"attempt"`
	Remediation string   `json:"remediation,omitempty"`
}

func (GateFailedPayload) EventType() EventType { return EventGateFailed }

type PhaseDonePayload struct {
	ArtifactRef string `json:"artifact_ref"`
}

func (PhaseDonePayload) EventType() EventType { return EventPhaseDone }

// =============================================================================
// DEGRADATION SIGNALS
// =============================================================================

// DegradationKind names one of the detected context failure modes.
type DegradationKind string

const (
	DegradePoisoned            DegradationKind = "poisoned"
	DegradeOutOfScope          DegradationKind = "out_of_scope"
	DegradeMixedResponsibility DegradationKind = "mixed_responsibility"
	DegradeClash               DegradationKind = "clash"
	DegradeBoundaryPlacement   DegradationKind = "boundary_placement"
	DegradeSaturation          DegradationKind = "saturation"
	DegradeGoalDrift           DegradationKind = "goal_drift"
	DegradeAuthorityConflict   DegradationKind = "authority_conflict"
	DegradeFormatLockIn        DegradationKind = "format_lock_in"
)

type DegradationPayload struct {
	Kind   DegradationKind `json:"kind"`
	Detail string          `json:"detail"`
	Layer  string          `json:"layer,omitempty"`
	Key    string          `json:"key,omitempty"`
	TaskID string          `json:"task_id,omitempty"`
	Healed bool            `json:"healed"`
}

func (DegradationPayload) EventType() EventType { return EventDegradation }

// =============================================================================
// MEMORY / BUDGET
// =============================================================================

type CompressionPayload struct {
	Layer      string `json:"layer"`
	TokenDelta int    `json:"token_delta"`
	Strategy   string `json:"strategy"`
}

func (CompressionPayload) EventType() EventType { return EventCompression }

type BudgetUsagePayload struct {
	Layer     string  `json:"layer"`
	Consumed  int     `json:"consumed"`
	Reserved  int     `json:"reserved"`
	Ceiling   int     `json:"ceiling"`
	Ratio     float64 `json:"ratio"`
	HighWater int     `json:"high_water"`
}

func (BudgetUsagePayload) EventType() EventType { return EventBudgetUsage }

// LLMCallPayload is emitted around every inference capability call.
type LLMCallPayload struct {
	Phase        string `json:"phase"` // "request" | "response"
	TaskID       string `json:"task_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	TokensInput  int    `json:"tokens_input,omitempty"`
	TokensOutput int    `json:"tokens_output,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (LLMCallPayload) EventType() EventType { return EventLLMCall }
