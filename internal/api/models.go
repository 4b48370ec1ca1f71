package api

import (
	"encoding/json"
	"time"

	"github.com/autoedit/tate-api/internal/domain"
)

// CreateTaskRequest is the request body for creating a task.
type CreateTaskRequest struct {
	Type          string          `json:"type"                     validate:"required"`
	ProjectID     *int64          `json:"project_id,omitempty"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	EstimatedTime *float64        `json:"estimated_time,omitempty" validate:"omitempty,gte=0"`
	Priority      int             `json:"priority,omitempty"       validate:"omitempty,gte=1,lte=10"`
}

// UpdateTaskRequest is the request body for a task field update. Absent
// fields are left untouched. Progress outside [0,100] is rejected here;
// only the internal reporting path clamps.
type UpdateTaskRequest struct {
	Status         *string         `json:"status,omitempty"          validate:"omitempty,oneof=pending processing completed failed cancelled"`
	Progress       *float64        `json:"progress,omitempty"        validate:"omitempty,gte=0,lte=100"`
	CurrentStep    *string         `json:"current_step,omitempty"    validate:"omitempty,max=200"`
	TotalSteps     *int            `json:"total_steps,omitempty"     validate:"omitempty,gte=0"`
	CompletedSteps *int            `json:"completed_steps,omitempty" validate:"omitempty,gte=0"`
	OutputData     json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"   validate:"omitempty,max=1000"`
}

// CreateTaskLogRequest is the request body for appending a task log.
type CreateTaskLogRequest struct {
	Level        string          `json:"level,omitempty"         validate:"omitempty,oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	Message      string          `json:"message"                 validate:"required,max=1000"`
	StepName     string          `json:"step_name,omitempty"     validate:"omitempty,max=200"`
	StepProgress *float64        `json:"step_progress,omitempty" validate:"omitempty,gte=0,lte=100"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// BatchDispatchRequest asks the supervisor to apply one operation to a set
// of tasks.
type BatchDispatchRequest struct {
	TaskIDs   []string `json:"task_ids"  validate:"required,min=1"`
	Operation string   `json:"operation" validate:"required"`
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name        string `json:"name"                  validate:"required,max=255"`
	Description string `json:"description,omitempty"`
	XMLPath     string `json:"xml_path,omitempty"`
	AudioPath   string `json:"audio_path,omitempty"`
	VideoPath   string `json:"video_path,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
}

// UpdateProjectRequest is the request body for a project update.
type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description,omitempty"`
	XMLPath     *string `json:"xml_path,omitempty"`
	AudioPath   *string `json:"audio_path,omitempty"`
	VideoPath   *string `json:"video_path,omitempty"`
	OutputDir   *string `json:"output_dir,omitempty"`
}

// TaskResponse is the wire representation of a task.
type TaskResponse struct {
	TaskID         string          `json:"task_id"`
	ProjectID      *int64          `json:"project_id,omitempty"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Progress       float64         `json:"progress"`
	CurrentStep    string          `json:"current_step,omitempty"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	Priority       int             `json:"priority"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	OutputData     json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	EstimatedTime  *float64        `json:"estimated_time,omitempty"`
	ActualTime     *float64        `json:"actual_time,omitempty"`
}

// NewTaskResponse converts a domain task to its wire form.
func NewTaskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:         t.TaskID,
		ProjectID:      t.ProjectID,
		Type:           string(t.Type),
		Status:         string(t.Status),
		Progress:       t.Progress,
		CurrentStep:    t.CurrentStep,
		TotalSteps:     t.TotalSteps,
		CompletedSteps: t.CompletedSteps,
		Priority:       t.Priority,
		InputData:      t.InputData,
		OutputData:     t.OutputData,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		UpdatedAt:      t.UpdatedAt,
		EstimatedTime:  t.EstimatedTime,
		ActualTime:     t.ActualTime,
	}
}

// NewTaskResponses converts a slice of domain tasks.
func NewTaskResponses(tasks []*domain.Task) []TaskResponse {
	out := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = NewTaskResponse(t)
	}
	return out
}

// TaskListResponse is a page of tasks.
type TaskListResponse struct {
	Tasks      []TaskResponse `json:"tasks"`
	Total      int            `json:"total"`
	ExactCount bool           `json:"exact_count"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

// TaskLogResponse is the wire representation of a task log record.
type TaskLogResponse struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Level        string          `json:"level"`
	Message      string          `json:"message"`
	StepName     string          `json:"step_name,omitempty"`
	StepProgress *float64        `json:"step_progress,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// NewTaskLogResponse converts a domain log record to its wire form.
func NewTaskLogResponse(l *domain.TaskLog) TaskLogResponse {
	return TaskLogResponse{
		ID:           l.ID,
		Timestamp:    l.Timestamp,
		Level:        string(l.Level),
		Message:      l.Message,
		StepName:     l.StepName,
		StepProgress: l.StepProgress,
		Metadata:     l.Metadata,
	}
}

// TaskLogListResponse is a page of task log records.
type TaskLogListResponse struct {
	Logs  []TaskLogResponse `json:"logs"`
	Total int               `json:"total"`
}

// ProjectResponse is the wire representation of a project.
type ProjectResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	XMLPath     string    `json:"xml_path,omitempty"`
	AudioPath   string    `json:"audio_path,omitempty"`
	VideoPath   string    `json:"video_path,omitempty"`
	OutputDir   string    `json:"output_dir,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewProjectResponse converts a domain project to its wire form.
func NewProjectResponse(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		XMLPath:     p.XMLPath,
		AudioPath:   p.AudioPath,
		VideoPath:   p.VideoPath,
		OutputDir:   p.OutputDir,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ProjectListResponse is a page of projects.
type ProjectListResponse struct {
	Projects []ProjectResponse `json:"projects"`
	Total    int               `json:"total"`
}

// StatusSummaryResponse aggregates the task population.
type StatusSummaryResponse struct {
	StatusCounts    map[string]int `json:"status_counts"`
	TotalTasks      int            `json:"total_tasks"`
	ProcessingTasks []TaskResponse `json:"processing_tasks"`
	RecentCompleted []TaskResponse `json:"recent_completed"`
	RecentFailed    []TaskResponse `json:"recent_failed"`
}

// BatchDispatchResponse reports the per-task outcome of a batch operation.
type BatchDispatchResponse struct {
	Results map[string]string `json:"results"` // task_id -> "ok" or error message
	Failed  int               `json:"failed"`
}
