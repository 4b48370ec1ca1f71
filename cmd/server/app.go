package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	apimiddleware "github.com/autoedit/tate-api/internal/api/middleware"
	"github.com/autoedit/tate-api/internal/config"
	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/hub"
	"github.com/autoedit/tate-api/internal/platform/logger"
	"github.com/autoedit/tate-api/internal/platform/postgres"
	"github.com/autoedit/tate-api/internal/service"
	"github.com/autoedit/tate-api/internal/task"
)

// workerStepDelay paces the built-in workers' pipeline stages.
const workerStepDelay = 500 * time.Millisecond

// application bundles the wired dependencies of a running server.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskService    service.TaskService
	projectService service.ProjectService
	hub            *hub.Hub
	supervisor     *task.Supervisor
	rateLimiter    *apimiddleware.RateLimiter
}

// initializeApp loads configuration and wires every component:
// config -> logger -> database -> stores -> services -> hub/supervisor.
func initializeApp(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Worker.Count)

	db, err := setupDatabase(ctx, cfg, appLogger)
	if err != nil {
		return nil, err
	}

	if err := postgres.Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	taskStore := postgres.NewPostgresTaskStore(db, appLogger)
	projectStore := postgres.NewPostgresProjectStore(db, appLogger)

	emitter := events.NewInMemoryChangeEmitter(appLogger)

	taskService, err := service.NewTaskService(taskStore, emitter, appLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}
	projectService, err := service.NewProjectService(projectStore, appLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create project service: %w", err)
	}

	notificationHub := hub.New(appLogger)

	registry := task.DefaultRegistry(workerStepDelay)
	supervisor, err := task.NewSupervisor(taskService, registry, cfg.Worker, appLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	// State-change events fan out to live subscribers and let the
	// supervisor abort attempts for cancelled tasks.
	emitter.RegisterHandler(notificationHub)
	emitter.RegisterHandler(supervisor)

	rateLimiter, err := apimiddleware.NewRateLimiter(cfg.RateLimit, appLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	return &application{
		config:         cfg,
		logger:         appLogger,
		db:             db,
		taskService:    taskService,
		projectService: projectService,
		hub:            notificationHub,
		supervisor:     supervisor,
		rateLimiter:    rateLimiter,
	}, nil
}

// setupDatabase opens the connection pool and verifies connectivity.
func setupDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

// cleanup releases resources in reverse dependency order.
func (app *application) cleanup() {
	if app.supervisor != nil {
		app.supervisor.Stop()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Failed to close database connection", "error", err)
		}
	}
}
