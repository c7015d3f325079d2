package events

import "context"

type contextKey string

const (
	ctxKeyTaskID    contextKey = "ordo.task_id"
	ctxKeySessionID contextKey = "ordo.session_id"
	ctxKeyPhase     contextKey = "ordo.phase"
)

// ContextWithTaskID attaches a task ID to the context.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ctxKeyTaskID, taskID)
}

// TaskIDFromContext extracts the task ID, or "" if absent.
func TaskIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTaskID).(string)
	return v
}

// ContextWithSessionID attaches a session ID to the context.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// SessionIDFromContext extracts the session ID, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySessionID).(string)
	return v
}

// ContextWithPhase attaches the active phase name to the context.
func ContextWithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase, phase)
}

// PhaseFromContext extracts the active phase name, or "" if absent.
func PhaseFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyPhase).(string)
	return v
}
