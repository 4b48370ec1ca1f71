package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ParseTaskStatus converts a string into a TaskStatus, returning
// ErrValidation for unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("%w: unknown task status %q", ErrValidation, s)
	}
}

// IsTerminal reports whether the status is one of the final states.
// No transition leaves a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status graph permits moving from s
// to target. Terminal states only permit the idempotent self-transition.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if s == target {
		return true
	}
	switch s {
	case TaskStatusPending:
		return target == TaskStatusProcessing || target == TaskStatusCancelled
	case TaskStatusProcessing:
		return target.IsTerminal()
	default:
		return false
	}
}

// TaskType identifies the kind of work a task represents. The lifecycle
// engine treats it as an opaque routing tag.
type TaskType string

// Supported task types.
const (
	TaskTypeVideoEdit     TaskType = "video_edit"
	TaskTypeAudioProcess  TaskType = "audio_process"
	TaskTypeImageProcess  TaskType = "image_process"
	TaskTypeTranscription TaskType = "transcription"
	TaskTypeAnalysis      TaskType = "analysis"
)

// ParseTaskType converts a string into a TaskType, returning ErrValidation
// for unknown values.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskTypeVideoEdit, TaskTypeAudioProcess, TaskTypeImageProcess,
		TaskTypeTranscription, TaskTypeAnalysis:
		return TaskType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown task type %q", ErrValidation, s)
	}
}

// Priority bounds and default for task scheduling hints.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// MaxPayloadBytes bounds the size of input_data and output_data blobs.
const MaxPayloadBytes = 10 * 1024

// Task is a unit of asynchronous work tracked through the status lifecycle.
// TaskID is the external identity: immutable, globally unique, assigned at
// creation.
type Task struct {
	ID             int64
	TaskID         string
	ProjectID      *int64
	Type           TaskType
	Status         TaskStatus
	Progress       float64
	CurrentStep    string
	TotalSteps     int
	CompletedSteps int
	Priority       int
	InputData      json.RawMessage
	OutputData     json.RawMessage
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
	EstimatedTime  *float64
	ActualTime     *float64
}

// NewTask creates a pending task with a freshly assigned identity.
// Priority zero means "use the default".
func NewTask(taskType TaskType, projectID *int64, input json.RawMessage, estimated *float64, priority int) (*Task, error) {
	if priority == 0 {
		priority = DefaultPriority
	}
	now := time.Now().UTC()
	t := &Task{
		TaskID:    uuid.New().String(),
		ProjectID: projectID,
		Type:      taskType,
		Status:    TaskStatusPending,
		Progress:  0,
		Priority:  priority,
		InputData: input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if estimated != nil {
		e := *estimated
		t.EstimatedTime = &e
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the task's field invariants.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("%w: task identity is required", ErrValidation)
	}
	if _, err := ParseTaskType(string(t.Type)); err != nil {
		return err
	}
	if _, err := ParseTaskStatus(string(t.Status)); err != nil {
		return err
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d,%d]",
			ErrValidation, t.Priority, MinPriority, MaxPriority)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("%w: progress %.2f outside [0,100]", ErrValidation, t.Progress)
	}
	if t.TotalSteps < 0 || t.CompletedSteps < 0 {
		return fmt.Errorf("%w: step counters must be non-negative", ErrValidation)
	}
	if t.TotalSteps > 0 && t.CompletedSteps > t.TotalSteps {
		return fmt.Errorf("%w: completed steps %d exceed total %d",
			ErrInvalidStepCount, t.CompletedSteps, t.TotalSteps)
	}
	if t.EstimatedTime != nil && *t.EstimatedTime < 0 {
		return fmt.Errorf("%w: estimated time must be non-negative", ErrValidation)
	}
	if len(t.InputData) > MaxPayloadBytes {
		return fmt.Errorf("%w: input data exceeds %d bytes", ErrValidation, MaxPayloadBytes)
	}
	if len(t.OutputData) > MaxPayloadBytes {
		return fmt.Errorf("%w: output data exceeds %d bytes", ErrValidation, MaxPayloadBytes)
	}
	return nil
}
