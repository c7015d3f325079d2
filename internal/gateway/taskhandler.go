package gateway

import (
	"time"

	"github.com/mpernot/ordo/internal/task"
)

// TaskHandler serves read-only task views over the gateway.
type TaskHandler struct {
	store task.Store
}

// NewTaskHandler creates a handler over the task store.
func NewTaskHandler(store task.Store) *TaskHandler {
	return &TaskHandler{store: store}
}

type taskSummary struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id,omitempty"`
	Title     string        `json:"title"`
	Status    task.Status   `json:"status"`
	Priority  task.Priority `json:"priority"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// List returns task summaries, optionally filtered by session and status.
func (h *TaskHandler) List(sessionID, status string) ([]taskSummary, error) {
	filter := task.ListFilter{SessionID: sessionID}
	if status != "" {
		filter.Status = task.Status(status)
	}

	list, err := h.store.List(filter)
	if err != nil {
		return nil, err
	}

	summaries := make([]taskSummary, len(list))
	for i, t := range list {
		summaries[i] = taskSummary{
			ID:        t.ID,
			SessionID: t.SessionID,
			Title:     t.Title,
			Status:    t.Status,
			Priority:  t.Priority,
			UpdatedAt: t.UpdatedAt,
		}
	}
	return summaries, nil
}
