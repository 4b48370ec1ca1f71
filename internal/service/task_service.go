package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/platform/metrics"
	"github.com/autoedit/tate-api/internal/store"
)

// MaxBatchSize is the largest number of task specs a single batch create
// will admit.
const MaxBatchSize = 100

// TaskRepository is the persistence contract the service layer depends on.
// It extends store.TaskStore with access to the owning database handle so
// the service can open transactions.
type TaskRepository interface {
	store.TaskStore

	// DB returns the underlying database connection. Implementations
	// without one (in-memory fakes) return nil; the service then holds an
	// in-process per-task lock across each mutation in place of row locks.
	DB() *sql.DB
}

// CreateTaskCommand describes a task creation request after transport
// decoding.
type CreateTaskCommand struct {
	Type          string
	ProjectID     *int64
	InputData     json.RawMessage
	EstimatedTime *float64
	Priority      int
}

// UpdateTaskCommand carries the optional field updates of a task mutation.
// Nil pointers leave the corresponding field untouched.
type UpdateTaskCommand struct {
	Status         *string
	Progress       *float64
	CurrentStep    *string
	TotalSteps     *int
	CompletedSteps *int
	OutputData     json.RawMessage
	ErrorMessage   *string
}

// AddLogCommand describes a log append request.
type AddLogCommand struct {
	Level        string
	Message      string
	StepName     string
	StepProgress *float64
	Metadata     json.RawMessage
}

// ListTasksQuery narrows and pages a task listing.
type ListTasksQuery struct {
	ProjectID    *int64
	Status       string
	Type         string
	Limit        int
	Offset       int
	IncludeCount bool
}

// StatusSummary aggregates the task population for the status endpoint.
type StatusSummary struct {
	StatusCounts    map[domain.TaskStatus]int
	TotalTasks      int
	ProcessingTasks []*domain.Task
	RecentCompleted []*domain.Task
	RecentFailed    []*domain.Task
}

// TaskService provides task lifecycle operations.
type TaskService interface {
	// Create validates and persists a new pending task.
	Create(ctx context.Context, cmd CreateTaskCommand) (*domain.Task, error)

	// CreateBatch atomically admits up to MaxBatchSize tasks: either every
	// spec is created or none are. Created tasks are returned in input order.
	CreateBatch(ctx context.Context, cmds []CreateTaskCommand) ([]*domain.Task, error)

	// Get retrieves a task by its identity.
	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// List returns a filtered page of tasks ordered by priority then recency.
	List(ctx context.Context, q ListTasksQuery) (*store.TaskPage, error)

	// Update applies a field-level mutation under per-task exclusivity and
	// emits a single change event for the whole update.
	Update(ctx context.Context, taskID string, cmd UpdateTaskCommand) (*domain.Task, error)

	// Transition moves the task to the target status per the lifecycle graph.
	Transition(ctx context.Context, taskID string, target domain.TaskStatus) (*domain.Task, error)

	// Cancel marks a pending or processing task cancelled. Cancelling a
	// completed or failed task returns domain.ErrIllegalCancellation;
	// cancelling an already-cancelled task is a no-op.
	Cancel(ctx context.Context, taskID string) (*domain.Task, error)

	// SetProgress stores a progress value, silently clamped into [0,100].
	SetProgress(ctx context.Context, taskID string, value float64) (*domain.Task, error)

	// SetSteps stores the step counters and, when total is positive,
	// recomputes progress from them.
	SetSteps(ctx context.Context, taskID string, completed, total int) (*domain.Task, error)

	// FinishAttempt records the outcome of an execution attempt. Late
	// reports against a terminal status are dropped as a no-op.
	FinishAttempt(ctx context.Context, taskID string, outcome AttemptOutcome) (*domain.Task, error)

	// AddLog appends a validated log record to the task's log stream.
	AddLog(ctx context.Context, taskID string, cmd AddLogCommand) (*domain.TaskLog, error)

	// ListLogs returns the task's log records, newest first.
	ListLogs(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskLog, int, error)

	// Summary aggregates status counts and recent activity.
	Summary(ctx context.Context) (*StatusSummary, error)

	// ActiveTasks lists pending and processing tasks, oldest first.
	ActiveTasks(ctx context.Context) ([]*domain.Task, error)
}

// AttemptOutcome is the supervisor's report for a finished execution.
type AttemptOutcome struct {
	// Succeeded selects between the completion and failure paths.
	Succeeded bool
	// Output is stored as output_data on success.
	Output json.RawMessage
	// ErrorMessage is stored on failure.
	ErrorMessage string
}

type taskServiceImpl struct {
	taskRepo TaskRepository
	emitter  events.ChangeEmitter
	logger   *slog.Logger
	now      func() time.Time

	// taskLocks serializes mutations per task identity when the repository
	// has no database handle and row locks are unavailable.
	taskLocks sync.Map // taskID -> *sync.Mutex
}

// NewTaskService creates a TaskService. It returns an error if a required
// dependency is nil.
func NewTaskService(
	taskRepo TaskRepository,
	emitter events.ChangeEmitter,
	logger *slog.Logger,
) (TaskService, error) {
	if taskRepo == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "taskRepo cannot be nil"}
	}
	if emitter == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "emitter cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &taskServiceImpl{
		taskRepo: taskRepo,
		emitter:  emitter,
		logger:   logger.With("component", "task_service"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *taskServiceImpl) Create(ctx context.Context, cmd CreateTaskCommand) (*domain.Task, error) {
	taskType, err := domain.ParseTaskType(cmd.Type)
	if err != nil {
		return nil, err
	}

	task, err := domain.NewTask(taskType, cmd.ProjectID, cmd.InputData, cmd.EstimatedTime, cmd.Priority)
	if err != nil {
		return nil, err
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.Error("failed to create task",
			"error", err,
			"task_id", task.TaskID,
			"task_type", task.Type)
		return nil, NewTaskServiceError("create_task", "failed to save task", err)
	}

	metrics.TasksCreated.WithLabelValues(string(task.Type)).Inc()
	s.logger.Info("task created",
		"task_id", task.TaskID,
		"task_type", task.Type,
		"priority", task.Priority)

	return task, nil
}

func (s *taskServiceImpl) CreateBatch(ctx context.Context, cmds []CreateTaskCommand) ([]*domain.Task, error) {
	if len(cmds) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d specs exceed the maximum of %d",
			domain.ErrBatchTooLarge, len(cmds), MaxBatchSize)
	}

	// Validate every spec before touching storage so a bad spec cannot
	// leave a partial batch behind.
	tasks := make([]*domain.Task, 0, len(cmds))
	for i, cmd := range cmds {
		taskType, err := domain.ParseTaskType(cmd.Type)
		if err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		task, err := domain.NewTask(taskType, cmd.ProjectID, cmd.InputData, cmd.EstimatedTime, cmd.Priority)
		if err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}

	err := s.inTransaction(ctx, func(ctx context.Context, repo store.TaskStore) error {
		return repo.CreateBatch(ctx, tasks)
	})
	if err != nil {
		s.logger.Error("batch create failed, no tasks admitted",
			"error", err,
			"spec_count", len(cmds))
		return nil, NewTaskServiceError("create_batch", "failed to save batch", err)
	}

	for _, task := range tasks {
		metrics.TasksCreated.WithLabelValues(string(task.Type)).Inc()
	}
	s.logger.Info("batch created", "task_count", len(tasks))

	return tasks, nil
}

func (s *taskServiceImpl) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.Get(ctx, taskID)
	if err != nil {
		return nil, NewTaskServiceError("get_task", "failed to load task", err)
	}
	return task, nil
}

func (s *taskServiceImpl) List(ctx context.Context, q ListTasksQuery) (*store.TaskPage, error) {
	filter := store.TaskFilter{ProjectID: q.ProjectID}

	if q.Status != "" {
		status, err := domain.ParseTaskStatus(q.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}
	if q.Type != "" {
		taskType, err := domain.ParseTaskType(q.Type)
		if err != nil {
			return nil, err
		}
		filter.Type = taskType
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	page, err := s.taskRepo.List(ctx, filter, limit, offset, q.IncludeCount)
	if err != nil {
		return nil, NewTaskServiceError("list_tasks", "failed to query tasks", err)
	}
	return page, nil
}

// mutate loads the task under per-task exclusivity, applies fn, and saves.
// A change event is emitted only after the enclosing transaction commits,
// and only when fn reports a mutation.
func (s *taskServiceImpl) mutate(
	ctx context.Context,
	taskID string,
	operation string,
	fn func(task *domain.Task) (changed bool, err error),
) (*domain.Task, error) {
	var result *domain.Task
	var changed bool

	if s.taskRepo.DB() == nil {
		l, _ := s.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
		mu := l.(*sync.Mutex)
		mu.Lock()
		defer mu.Unlock()
	}

	err := s.inTransaction(ctx, func(ctx context.Context, repo store.TaskStore) error {
		task, err := repo.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		mutated, err := fn(task)
		if err != nil {
			return err
		}
		if mutated {
			task.UpdatedAt = s.now()
			if err := task.Validate(); err != nil {
				return err
			}
			if err := repo.Save(ctx, task); err != nil {
				return err
			}
		}

		result = task
		changed = mutated
		return nil
	})
	if err != nil {
		return nil, NewTaskServiceError(operation, "task mutation failed", err)
	}

	if changed {
		s.emitter.EmitChange(ctx, events.NewTaskChangeEvent(result))
	}
	return result, nil
}

// applyTransition enforces the lifecycle graph on task and performs the
// timestamp bookkeeping. The terminal self-transition is an idempotent
// no-op; any other move out of a terminal status is rejected.
func (s *taskServiceImpl) applyTransition(task *domain.Task, target domain.TaskStatus) (bool, error) {
	if task.Status == target {
		return false, nil
	}
	if !task.Status.CanTransitionTo(target) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, target)
	}

	now := s.now()
	task.Status = target

	if target == domain.TaskStatusProcessing && task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	if target.IsTerminal() && task.CompletedAt == nil {
		completed := now
		task.CompletedAt = &completed
		if task.StartedAt != nil {
			actual := completed.Sub(*task.StartedAt).Seconds()
			task.ActualTime = &actual
			metrics.TaskDurationSeconds.WithLabelValues(string(task.Type)).Observe(actual)
		}
	}

	metrics.TaskTransitions.WithLabelValues(string(target)).Inc()
	return true, nil
}

func (s *taskServiceImpl) Transition(ctx context.Context, taskID string, target domain.TaskStatus) (*domain.Task, error) {
	if _, err := domain.ParseTaskStatus(string(target)); err != nil {
		return nil, err
	}
	return s.mutate(ctx, taskID, "transition", func(task *domain.Task) (bool, error) {
		return s.applyTransition(task, target)
	})
}

func (s *taskServiceImpl) Cancel(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.mutate(ctx, taskID, "cancel_task", func(task *domain.Task) (bool, error) {
		switch task.Status {
		case domain.TaskStatusCompleted, domain.TaskStatusFailed:
			return false, fmt.Errorf("%w: status is %s", domain.ErrIllegalCancellation, task.Status)
		case domain.TaskStatusCancelled:
			return false, nil
		}
		return s.applyTransition(task, domain.TaskStatusCancelled)
	})
}

// clampProgress is the silent-clamp policy for direct progress writes.
func clampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (s *taskServiceImpl) SetProgress(ctx context.Context, taskID string, value float64) (*domain.Task, error) {
	return s.mutate(ctx, taskID, "set_progress", func(task *domain.Task) (bool, error) {
		if task.Status.IsTerminal() {
			// Late progress reports never disturb a terminal task.
			return false, nil
		}
		task.Progress = clampProgress(value)
		return true, nil
	})
}

// applySteps stores the counters and recomputes progress when a positive
// total is known. Step-derived progress overrides any manual value set in
// the same update. Regression of completed steps is permitted.
func applySteps(task *domain.Task, completed, total int) error {
	if completed < 0 || total < 0 {
		return fmt.Errorf("%w: step counters must be non-negative", domain.ErrValidation)
	}
	if total > 0 && completed > total {
		return fmt.Errorf("%w: %d > %d", domain.ErrInvalidStepCount, completed, total)
	}
	task.CompletedSteps = completed
	task.TotalSteps = total
	if total > 0 {
		task.Progress = float64(completed) / float64(total) * 100
	}
	return nil
}

func (s *taskServiceImpl) SetSteps(ctx context.Context, taskID string, completed, total int) (*domain.Task, error) {
	return s.mutate(ctx, taskID, "set_steps", func(task *domain.Task) (bool, error) {
		if task.Status.IsTerminal() {
			return false, nil
		}
		if err := applySteps(task, completed, total); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *taskServiceImpl) Update(ctx context.Context, taskID string, cmd UpdateTaskCommand) (*domain.Task, error) {
	return s.mutate(ctx, taskID, "update_task", func(task *domain.Task) (bool, error) {
		// A terminal status only accepts the idempotent self-transition;
		// everything else in a late update is dropped without error so
		// stale worker callbacks cannot revert a finished task.
		if task.Status.IsTerminal() {
			if cmd.Status != nil {
				target, err := domain.ParseTaskStatus(*cmd.Status)
				if err != nil {
					return false, err
				}
				if target != task.Status {
					return false, fmt.Errorf("%w: %s -> %s",
						domain.ErrInvalidTransition, task.Status, target)
				}
			}
			return false, nil
		}

		changed := false

		if cmd.Status != nil {
			target, err := domain.ParseTaskStatus(*cmd.Status)
			if err != nil {
				return false, err
			}
			mutated, err := s.applyTransition(task, target)
			if err != nil {
				return false, err
			}
			changed = changed || mutated
		}

		if cmd.Progress != nil {
			task.Progress = clampProgress(*cmd.Progress)
			changed = true
		}

		if cmd.CurrentStep != nil {
			if len(*cmd.CurrentStep) > domain.MaxCurrentStepLen {
				return false, fmt.Errorf("%w: current step exceeds %d characters",
					domain.ErrValidation, domain.MaxCurrentStepLen)
			}
			task.CurrentStep = *cmd.CurrentStep
			changed = true
		}

		if cmd.TotalSteps != nil || cmd.CompletedSteps != nil {
			total := task.TotalSteps
			if cmd.TotalSteps != nil {
				total = *cmd.TotalSteps
			}
			completed := task.CompletedSteps
			if cmd.CompletedSteps != nil {
				completed = *cmd.CompletedSteps
			}
			if err := applySteps(task, completed, total); err != nil {
				return false, err
			}
			changed = true
		}

		if cmd.OutputData != nil {
			if len(cmd.OutputData) > domain.MaxPayloadBytes {
				return false, fmt.Errorf("%w: output data exceeds %d bytes",
					domain.ErrValidation, domain.MaxPayloadBytes)
			}
			task.OutputData = cmd.OutputData
			changed = true
		}

		if cmd.ErrorMessage != nil {
			if len(*cmd.ErrorMessage) > domain.MaxErrMessageLen {
				return false, fmt.Errorf("%w: error message exceeds %d characters",
					domain.ErrValidation, domain.MaxErrMessageLen)
			}
			task.ErrorMessage = *cmd.ErrorMessage
			changed = true
		}

		return changed, nil
	})
}

func (s *taskServiceImpl) FinishAttempt(ctx context.Context, taskID string, outcome AttemptOutcome) (*domain.Task, error) {
	return s.mutate(ctx, taskID, "finish_attempt", func(task *domain.Task) (bool, error) {
		if task.Status.IsTerminal() {
			s.logger.Info("dropping late attempt report for terminal task",
				"task_id", taskID,
				"status", task.Status)
			return false, nil
		}

		if outcome.Succeeded {
			task.Progress = 100
			if outcome.Output != nil {
				task.OutputData = outcome.Output
			}
			return s.applyTransition(task, domain.TaskStatusCompleted)
		}

		task.ErrorMessage = outcome.ErrorMessage
		if len(task.ErrorMessage) > domain.MaxErrMessageLen {
			task.ErrorMessage = task.ErrorMessage[:domain.MaxErrMessageLen]
		}
		return s.applyTransition(task, domain.TaskStatusFailed)
	})
}

func (s *taskServiceImpl) AddLog(ctx context.Context, taskID string, cmd AddLogCommand) (*domain.TaskLog, error) {
	task, err := s.taskRepo.Get(ctx, taskID)
	if err != nil {
		return nil, NewTaskServiceError("add_log", "failed to load task", err)
	}

	level, err := domain.ParseLogLevel(cmd.Level)
	if err != nil {
		return nil, err
	}

	entry := &domain.TaskLog{
		TaskID:       task.ID,
		Timestamp:    s.now(),
		Level:        level,
		Message:      cmd.Message,
		StepName:     cmd.StepName,
		StepProgress: cmd.StepProgress,
		Metadata:     cmd.Metadata,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if err := s.taskRepo.AppendLog(ctx, entry); err != nil {
		return nil, NewTaskServiceError("add_log", "failed to append log", err)
	}
	return entry, nil
}

func (s *taskServiceImpl) ListLogs(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskLog, int, error) {
	task, err := s.taskRepo.Get(ctx, taskID)
	if err != nil {
		return nil, 0, NewTaskServiceError("list_logs", "failed to load task", err)
	}

	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	logs, total, err := s.taskRepo.ListLogs(ctx, task.ID, limit, offset)
	if err != nil {
		return nil, 0, NewTaskServiceError("list_logs", "failed to query logs", err)
	}
	return logs, total, nil
}

func (s *taskServiceImpl) Summary(ctx context.Context) (*StatusSummary, error) {
	counts, err := s.taskRepo.CountByStatus(ctx)
	if err != nil {
		return nil, NewTaskServiceError("summary", "failed to count tasks", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	processing, err := s.taskRepo.ListByStatus(ctx, []domain.TaskStatus{domain.TaskStatusProcessing}, 0)
	if err != nil {
		return nil, NewTaskServiceError("summary", "failed to list processing tasks", err)
	}

	recentCompleted, err := s.taskRepo.ListRecentTerminal(ctx, domain.TaskStatusCompleted, 10)
	if err != nil {
		return nil, NewTaskServiceError("summary", "failed to list completed tasks", err)
	}

	recentFailed, err := s.taskRepo.ListRecentTerminal(ctx, domain.TaskStatusFailed, 5)
	if err != nil {
		return nil, NewTaskServiceError("summary", "failed to list failed tasks", err)
	}

	return &StatusSummary{
		StatusCounts:    counts,
		TotalTasks:      total,
		ProcessingTasks: processing,
		RecentCompleted: recentCompleted,
		RecentFailed:    recentFailed,
	}, nil
}

func (s *taskServiceImpl) ActiveTasks(ctx context.Context) ([]*domain.Task, error) {
	active, err := s.taskRepo.ListByStatus(ctx,
		[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusProcessing}, 0)
	if err != nil {
		return nil, NewTaskServiceError("active_tasks", "failed to list active tasks", err)
	}
	return active, nil
}

// inTransaction runs fn against a transactional repository when a database
// handle is available. Repositories without one (in-memory fakes) execute
// directly and are responsible for their own per-task serialization.
func (s *taskServiceImpl) inTransaction(ctx context.Context, fn func(ctx context.Context, repo store.TaskStore) error) error {
	db := s.taskRepo.DB()
	if db == nil {
		return fn(ctx, s.taskRepo)
	}
	return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, s.taskRepo.WithTx(tx))
	})
}
