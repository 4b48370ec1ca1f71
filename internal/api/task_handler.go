package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/autoedit/tate-api/internal/api/shared"
	"github.com/autoedit/tate-api/internal/service"
)

// Dispatcher hands tasks to the execution supervisor.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
	DispatchBatch(ctx context.Context, taskIDs []string) map[string]error
}

// TaskHandler serves the task lifecycle endpoints.
type TaskHandler struct {
	taskService service.TaskService
	dispatcher  Dispatcher
	logger      *slog.Logger
}

// NewTaskHandler creates a TaskHandler. If logger is nil, a default logger
// is used.
func NewTaskHandler(taskService service.TaskService, dispatcher Dispatcher, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		taskService: taskService,
		dispatcher:  dispatcher,
		logger:      logger.With(slog.String("component", "task_handler")),
	}
}

// Create handles POST /api/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	task, err := h.taskService.Create(r.Context(), service.CreateTaskCommand{
		Type:          req.Type,
		ProjectID:     req.ProjectID,
		InputData:     req.InputData,
		EstimatedTime: req.EstimatedTime,
		Priority:      req.Priority,
	})
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponse(task))
}

// CreateBatch handles POST /api/tasks/batch.
func (h *TaskHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []CreateTaskRequest
	if err := shared.DecodeJSON(r, &reqs); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	for _, req := range reqs {
		if err := shared.ValidateRequest(req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
			return
		}
	}

	cmds := make([]service.CreateTaskCommand, len(reqs))
	for i, req := range reqs {
		cmds[i] = service.CreateTaskCommand{
			Type:          req.Type,
			ProjectID:     req.ProjectID,
			InputData:     req.InputData,
			EstimatedTime: req.EstimatedTime,
			Priority:      req.Priority,
		}
	}

	tasks, err := h.taskService.CreateBatch(r.Context(), cmds)
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponses(tasks))
}

// Get handles GET /api/tasks/{task_id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	task, err := h.taskService.Get(r.Context(), taskID)
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(task))
}

// List handles GET /api/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := service.ListTasksQuery{
		Status:       r.URL.Query().Get("status"),
		Type:         r.URL.Query().Get("type"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
		IncludeCount: r.URL.Query().Get("include_count") == "true",
	}
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid project_id")
			return
		}
		q.ProjectID = &id
	}

	page, err := h.taskService.List(r.Context(), q)
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{
		Tasks:      NewTaskResponses(page.Tasks),
		Total:      page.Total,
		ExactCount: page.ExactCount,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
}

// Update handles PUT /api/tasks/{task_id}.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var req UpdateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	task, err := h.taskService.Update(r.Context(), taskID, service.UpdateTaskCommand{
		Status:         req.Status,
		Progress:       req.Progress,
		CurrentStep:    req.CurrentStep,
		TotalSteps:     req.TotalSteps,
		CompletedSteps: req.CompletedSteps,
		OutputData:     req.OutputData,
		ErrorMessage:   req.ErrorMessage,
	})
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(task))
}

// Cancel handles DELETE /api/tasks/{task_id}. Tasks are never hard-deleted
// through the API; deletion means cancellation.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	task, err := h.taskService.Cancel(r.Context(), taskID)
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(task))
}

// AddLog handles POST /api/tasks/{task_id}/logs.
func (h *TaskHandler) AddLog(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var req CreateTaskLogRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}
	if req.Level == "" {
		req.Level = "INFO"
	}

	entry, err := h.taskService.AddLog(r.Context(), taskID, service.AddLogCommand{
		Level:        req.Level,
		Message:      req.Message,
		StepName:     req.StepName,
		StepProgress: req.StepProgress,
		Metadata:     req.Metadata,
	})
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskLogResponse(entry))
}

// ListLogs handles GET /api/tasks/{task_id}/logs.
func (h *TaskHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	logs, total, err := h.taskService.ListLogs(r.Context(), taskID, limit, offset)
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	out := make([]TaskLogResponse, len(logs))
	for i, l := range logs {
		out[i] = NewTaskLogResponse(l)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskLogListResponse{Logs: out, Total: total})
}

// Dispatch handles POST /api/tasks/{task_id}/dispatch.
func (h *TaskHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	if err := h.dispatcher.Dispatch(r.Context(), taskID); err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	h.logger.Info("task dispatched", "task_id", taskID)
	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "queued",
	})
}

// BatchDispatch handles POST /api/tasks/dispatch. The supported operations
// are "dispatch" and "cancel"; an unknown operation fails every task in
// the request without enqueueing anything.
func (h *TaskHandler) BatchDispatch(w http.ResponseWriter, r *http.Request) {
	var req BatchDispatchRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	resp := BatchDispatchResponse{Results: make(map[string]string, len(req.TaskIDs))}

	switch req.Operation {
	case "dispatch":
		for id, err := range h.dispatcher.DispatchBatch(r.Context(), req.TaskIDs) {
			if err != nil {
				resp.Results[id] = GetSafeErrorMessage(err)
				resp.Failed++
			} else {
				resp.Results[id] = "ok"
			}
		}
	case "cancel":
		for _, id := range req.TaskIDs {
			if _, err := h.taskService.Cancel(r.Context(), id); err != nil {
				resp.Results[id] = GetSafeErrorMessage(err)
				resp.Failed++
			} else {
				resp.Results[id] = "ok"
			}
		}
	default:
		for _, id := range req.TaskIDs {
			resp.Results[id] = "unknown operation: " + req.Operation
		}
		resp.Failed = len(req.TaskIDs)
		shared.RespondWithJSON(w, r, http.StatusBadRequest, resp)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
