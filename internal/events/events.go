// Package events carries task state-change notifications from the lifecycle
// engine to interested consumers without coupling either side to the other.
package events

import (
	"context"
	"time"

	"github.com/autoedit/tate-api/internal/domain"
)

// TaskChangeEvent describes an accepted mutation of a task. One event is
// emitted per successful status transition or progress mutation.
type TaskChangeEvent struct {
	TaskID         string            `json:"task_id"`
	Status         domain.TaskStatus `json:"status"`
	Progress       float64           `json:"progress"`
	CurrentStep    string            `json:"current_step,omitempty"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewTaskChangeEvent snapshots the notification-relevant fields of a task.
func NewTaskChangeEvent(task *domain.Task) TaskChangeEvent {
	return TaskChangeEvent{
		TaskID:         task.TaskID,
		Status:         task.Status,
		Progress:       task.Progress,
		CurrentStep:    task.CurrentStep,
		TotalSteps:     task.TotalSteps,
		CompletedSteps: task.CompletedSteps,
		UpdatedAt:      task.UpdatedAt,
	}
}

// ChangeHandler is implemented by components that consume task change
// events, such as the notification hub.
type ChangeHandler interface {
	// HandleChange processes the given event within the provided context.
	HandleChange(ctx context.Context, event TaskChangeEvent)
}

// ChangeEmitter is implemented by components that publish task change
// events. Services emit through this interface without knowledge of the
// registered handlers.
type ChangeEmitter interface {
	// EmitChange publishes the given event to all registered handlers.
	EmitChange(ctx context.Context, event TaskChangeEvent)
}
