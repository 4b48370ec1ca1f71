package api

import (
	"log/slog"
	"net/http"

	"github.com/autoedit/tate-api/internal/api/shared"
	"github.com/autoedit/tate-api/internal/service"
)

// StatusHandler serves the aggregate status endpoints.
type StatusHandler struct {
	taskService service.TaskService
	logger      *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(taskService service.TaskService, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{
		taskService: taskService,
		logger:      logger.With(slog.String("component", "status_handler")),
	}
}

// Summary handles GET /api/status/summary.
func (h *StatusHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.taskService.Summary(r.Context())
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	counts := make(map[string]int, len(summary.StatusCounts))
	for status, n := range summary.StatusCounts {
		counts[string(status)] = n
	}

	shared.RespondWithJSON(w, r, http.StatusOK, StatusSummaryResponse{
		StatusCounts:    counts,
		TotalTasks:      summary.TotalTasks,
		ProcessingTasks: NewTaskResponses(summary.ProcessingTasks),
		RecentCompleted: NewTaskResponses(summary.RecentCompleted),
		RecentFailed:    NewTaskResponses(summary.RecentFailed),
	})
}

// Active handles GET /api/status/active.
func (h *StatusHandler) Active(w http.ResponseWriter, r *http.Request) {
	active, err := h.taskService.ActiveTasks(r.Context())
	if err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"tasks": NewTaskResponses(active),
		"count": len(active),
	})
}
