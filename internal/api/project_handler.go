package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/autoedit/tate-api/internal/api/shared"
	"github.com/autoedit/tate-api/internal/service"
)

// ProjectHandler serves the project container endpoints.
type ProjectHandler struct {
	projectService service.ProjectService
	taskService    service.TaskService
	logger         *slog.Logger
}

// NewProjectHandler creates a ProjectHandler.
func NewProjectHandler(
	projectService service.ProjectService,
	taskService service.TaskService,
	logger *slog.Logger,
) *ProjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectHandler{
		projectService: projectService,
		taskService:    taskService,
		logger:         logger.With(slog.String("component", "project_handler")),
	}
}

func projectID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "project_id"), 10, 64)
}

// Create handles POST /api/projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	project, err := h.projectService.Create(r.Context(), service.CreateProjectCommand{
		Name:        req.Name,
		Description: req.Description,
		XMLPath:     req.XMLPath,
		AudioPath:   req.AudioPath,
		VideoPath:   req.VideoPath,
		OutputDir:   req.OutputDir,
	})
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewProjectResponse(project))
}

// Get handles GET /api/projects/{project_id}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid project ID")
		return
	}

	project, err := h.projectService.Get(r.Context(), id)
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewProjectResponse(project))
}

// Update handles PUT /api/projects/{project_id}.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid project ID")
		return
	}

	var req UpdateProjectRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	project, err := h.projectService.Update(r.Context(), id, service.UpdateProjectCommand{
		Name:        req.Name,
		Description: req.Description,
		XMLPath:     req.XMLPath,
		AudioPath:   req.AudioPath,
		VideoPath:   req.VideoPath,
		OutputDir:   req.OutputDir,
	})
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewProjectResponse(project))
}

// Delete handles DELETE /api/projects/{project_id}. Tasks owned by the
// project are removed with it.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid project ID")
		return
	}

	if err := h.projectService.Delete(r.Context(), id); err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, total, err := h.projectService.List(r.Context(),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	out := make([]ProjectResponse, len(projects))
	for i, p := range projects {
		out[i] = NewProjectResponse(p)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ProjectListResponse{Projects: out, Total: total})
}

// ListTasks handles GET /api/projects/{project_id}/tasks.
func (h *ProjectHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid project ID")
		return
	}

	// Confirm the project exists so an empty page isn't ambiguous.
	if _, err := h.projectService.Get(r.Context(), id); err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	q := service.ListTasksQuery{
		ProjectID:    &id,
		Status:       r.URL.Query().Get("status"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
		IncludeCount: true,
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
