package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/autoedit/tate-api/internal/api"
	apimiddleware "github.com/autoedit/tate-api/internal/api/middleware"
	"github.com/autoedit/tate-api/internal/platform/metrics"
)

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.Trace)

	taskHandler := api.NewTaskHandler(app.taskService, app.supervisor, app.logger)
	projectHandler := api.NewProjectHandler(app.projectService, app.taskService, app.logger)
	statusHandler := api.NewStatusHandler(app.taskService, app.logger)
	wsHandler := api.NewWSHandler(app.hub, app.taskService, app.logger)

	limit := app.rateLimiter.Limit

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.With(limit("create_task", 10)).Post("/", taskHandler.Create)
			r.With(limit("list_tasks", 30)).Get("/", taskHandler.List)
			r.With(limit("batch_create", 5)).Post("/batch", taskHandler.CreateBatch)
			r.Post("/dispatch", taskHandler.BatchDispatch)

			r.Route("/{task_id}", func(r chi.Router) {
				r.With(limit("get_task", 60)).Get("/", taskHandler.Get)
				r.With(limit("update_task", 30)).Put("/", taskHandler.Update)
				r.With(limit("cancel_task", 10)).Delete("/", taskHandler.Cancel)
				r.With(limit("add_log", 100)).Post("/logs", taskHandler.AddLog)
				r.With(limit("list_logs", 30)).Get("/logs", taskHandler.ListLogs)
				r.Post("/dispatch", taskHandler.Dispatch)
			})
		})

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", projectHandler.Create)
			r.Get("/", projectHandler.List)
			r.Route("/{project_id}", func(r chi.Router) {
				r.Get("/", projectHandler.Get)
				r.Put("/", projectHandler.Update)
				r.Delete("/", projectHandler.Delete)
				r.Get("/tasks", projectHandler.ListTasks)
			})
		})

		r.Route("/status", func(r chi.Router) {
			r.Get("/summary", statusHandler.Summary)
			r.Get("/active", statusHandler.Active)
			r.Get("/ws/{task_id}", wsHandler.Subscribe)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}
