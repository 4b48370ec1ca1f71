package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autoedit/tate-api/internal/config"
	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/platform/metrics"
	"github.com/autoedit/tate-api/internal/service"
)

// Lifecycle is the slice of the task service the supervisor drives.
type Lifecycle interface {
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	Transition(ctx context.Context, taskID string, target domain.TaskStatus) (*domain.Task, error)
	Update(ctx context.Context, taskID string, cmd service.UpdateTaskCommand) (*domain.Task, error)
	SetSteps(ctx context.Context, taskID string, completed, total int) (*domain.Task, error)
	FinishAttempt(ctx context.Context, taskID string, outcome service.AttemptOutcome) (*domain.Task, error)
	AddLog(ctx context.Context, taskID string, cmd service.AddLogCommand) (*domain.TaskLog, error)
	ActiveTasks(ctx context.Context) ([]*domain.Task, error)
}

// Supervisor owns the worker pool. It dequeues task identities, resolves a
// worker for each, and retries failed attempts per the policy until the
// task reaches a terminal status.
type Supervisor struct {
	lifecycle Lifecycle
	registry  *Registry
	queue     *Queue
	policy    *RetryPolicy

	softTimeout time.Duration
	hardTimeout time.Duration
	workerCount int

	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewSupervisor creates a supervisor from the worker configuration.
func NewSupervisor(
	lifecycle Lifecycle,
	registry *Registry,
	cfg config.WorkerConfig,
	logger *slog.Logger,
) (*Supervisor, error) {
	if lifecycle == nil {
		return nil, errors.New("lifecycle cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.HardTimeout < cfg.SoftTimeout {
		return nil, fmt.Errorf("hard timeout %s below soft timeout %s", cfg.HardTimeout, cfg.SoftTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With("component", "task_supervisor")

	return &Supervisor{
		lifecycle:   lifecycle,
		registry:    registry,
		queue:       NewQueue(cfg.QueueSize, logger),
		policy:      NewRetryPolicy(cfg.MaxRetries, cfg.RetryDelay, cfg.MaxBackoff),
		softTimeout: cfg.SoftTimeout,
		hardTimeout: cfg.HardTimeout,
		workerCount: cfg.Count,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]context.CancelFunc),
	}, nil
}

// Start recovers unfinished tasks and launches the worker pool.
func (s *Supervisor) Start() error {
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true

	if err := s.recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("supervisor started", "worker_count", s.workerCount)
	return nil
}

// Stop closes the queue, cancels running attempts, and waits for workers.
func (s *Supervisor) Stop() {
	s.queue.Close()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

// Dispatch queues an existing task for execution. The task must be pending
// or processing; terminal tasks are rejected.
func (s *Supervisor) Dispatch(ctx context.Context, taskID string) error {
	t, err := s.lifecycle.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, domain.TaskStatusProcessing)
	}
	if _, err := s.registry.Lookup(t.Type); err != nil {
		return err
	}
	return s.queue.Enqueue(taskID)
}

// DispatchBatch queues each task and reports the outcome per identity. A
// failed dispatch of one task does not stop the rest.
func (s *Supervisor) DispatchBatch(ctx context.Context, taskIDs []string) map[string]error {
	results := make(map[string]error, len(taskIDs))
	for _, id := range taskIDs {
		results[id] = s.Dispatch(ctx, id)
	}
	return results
}

// QueueDepth reports how many tasks are waiting for a worker.
func (s *Supervisor) QueueDepth() int {
	return s.queue.Len()
}

// HandleChange implements events.ChangeHandler. A cancellation event aborts
// the task's in-flight attempt, which is how cooperative cancellation
// reaches a running worker.
func (s *Supervisor) HandleChange(ctx context.Context, event events.TaskChangeEvent) {
	if event.Status != domain.TaskStatusCancelled {
		return
	}
	s.mu.Lock()
	cancelAttempt, ok := s.running[event.TaskID]
	s.mu.Unlock()
	if ok {
		s.logger.Info("aborting running attempt for cancelled task", "task_id", event.TaskID)
		cancelAttempt()
	}
}

var _ events.ChangeHandler = (*Supervisor)(nil)

// recover requeues work that survived a restart. Pending and processing
// tasks both go back on the queue; the processing-to-processing transition
// inside processTask is an idempotent no-op, so an interrupted task simply
// runs again.
func (s *Supervisor) recover() error {
	active, err := s.lifecycle.ActiveTasks(s.ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	s.logger.Info("recovering unfinished tasks", "count", len(active))
	for _, t := range active {
		if _, err := s.registry.Lookup(t.Type); err != nil {
			s.logger.Warn("skipping recovery of task with no worker",
				"task_id", t.TaskID, "task_type", t.Type)
			continue
		}
		if err := s.queue.Enqueue(t.TaskID); err != nil {
			s.logger.Error("failed to requeue task", "task_id", t.TaskID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) worker(id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		select {
		case <-s.ctx.Done():
			logger.Debug("stopping worker")
			return
		case taskID, ok := <-s.queue.Chan():
			if !ok {
				logger.Debug("queue closed, stopping worker")
				return
			}
			metrics.QueueDepth.Set(float64(s.queue.Len()))
			s.processTask(taskID, logger)
		}
	}
}

// processTask drives one task through its attempts until it settles in a
// terminal status or the supervisor shuts down.
func (s *Supervisor) processTask(taskID string, logger *slog.Logger) {
	ctx := s.ctx
	logger = logger.With("task_id", taskID)

	t, err := s.lifecycle.Get(ctx, taskID)
	if err != nil {
		logger.Error("failed to load task", "error", err)
		return
	}
	if t.Status.IsTerminal() {
		// Cancelled (or otherwise settled) while queued.
		logger.Info("skipping terminal task", "status", t.Status)
		return
	}

	worker, err := s.registry.Lookup(t.Type)
	if err != nil {
		// A failure can only be recorded from processing; the task is
		// still pending at this point.
		logger.Error("no worker for task", "task_type", t.Type)
		if _, terr := s.lifecycle.Transition(ctx, taskID, domain.TaskStatusProcessing); terr != nil {
			logger.Error("failed to mark task processing", "error", terr)
			return
		}
		s.failTask(ctx, taskID, err.Error(), logger)
		return
	}
	logger = logger.With("task_type", t.Type)

	if _, err := s.lifecycle.Transition(ctx, taskID, domain.TaskStatusProcessing); err != nil {
		logger.Error("failed to mark task processing", "error", err)
		return
	}
	logger.Info("processing task")

	rep := &taskReporter{lifecycle: s.lifecycle, taskID: taskID}

	for attempt := 0; ; attempt++ {
		output, err := s.runAttempt(ctx, worker, taskID, rep)
		if err == nil {
			metrics.ExecutionAttempts.WithLabelValues("success").Inc()
			if _, ferr := s.lifecycle.FinishAttempt(ctx, taskID, service.AttemptOutcome{
				Succeeded: true,
				Output:    output,
			}); ferr != nil {
				logger.Error("failed to record completion", "error", ferr)
			}
			logger.Info("task completed", "attempts", attempt+1)
			return
		}

		if ctx.Err() != nil {
			// Supervisor shutting down; leave the task for recovery.
			logger.Info("attempt interrupted by shutdown")
			return
		}
		if errors.Is(err, context.Canceled) {
			// The attempt context was cancelled out from under the worker,
			// which means the task was cancelled. The status is already
			// terminal, so there is nothing to report.
			metrics.ExecutionAttempts.WithLabelValues("cancelled").Inc()
			logger.Info("attempt aborted by cancellation")
			return
		}
		if errors.Is(err, ErrHardTimeout) {
			metrics.ExecutionAttempts.WithLabelValues("hard_timeout").Inc()
			logger.Error("attempt exceeded hard time limit")
			s.failTask(ctx, taskID, fmt.Sprintf("execution exceeded hard time limit of %s", s.hardTimeout), logger)
			return
		}
		if IsPermanent(err) {
			metrics.ExecutionAttempts.WithLabelValues("permanent_failure").Inc()
			logger.Error("attempt failed permanently", "error", err)
			s.failTask(ctx, taskID, err.Error(), logger)
			return
		}
		if attempt >= s.policy.MaxRetries {
			metrics.ExecutionAttempts.WithLabelValues("exhausted").Inc()
			logger.Error("retries exhausted", "attempts", attempt+1, "error", err)
			s.failTask(ctx, taskID,
				fmt.Sprintf("failed after %d attempts: %s", attempt+1, err.Error()), logger)
			return
		}

		var delay time.Duration
		if errors.Is(err, ErrSoftTimeout) {
			metrics.ExecutionAttempts.WithLabelValues("soft_timeout").Inc()
			delay = s.policy.Cooldown()
		} else {
			metrics.ExecutionAttempts.WithLabelValues("retry").Inc()
			delay = s.policy.Backoff(attempt)
		}

		logger.Warn("attempt failed, will retry",
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err)
		if _, lerr := s.lifecycle.AddLog(ctx, taskID, service.AddLogCommand{
			Level:   string(domain.LogLevelWarning),
			Message: fmt.Sprintf("attempt %d failed, retrying in %s: %s", attempt+1, delay.Round(time.Second), err.Error()),
		}); lerr != nil {
			logger.Error("failed to append retry log", "error", lerr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// The task may have been cancelled while waiting.
		t, err := s.lifecycle.Get(ctx, taskID)
		if err != nil || t.Status.IsTerminal() {
			return
		}
	}
}

// runAttempt executes one attempt under the soft and hard deadlines. The
// soft deadline cancels the worker's context; the hard deadline abandons
// the attempt even if the worker ignores cancellation.
func (s *Supervisor) runAttempt(ctx context.Context, worker Worker, taskID string, rep Reporter) (json.RawMessage, error) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	var softCtx context.Context
	if s.softTimeout > 0 {
		var cancelSoft context.CancelFunc
		softCtx, cancelSoft = context.WithTimeout(attemptCtx, s.softTimeout)
		defer cancelSoft()
	} else {
		softCtx = attemptCtx
	}

	s.mu.Lock()
	s.running[taskID] = cancelAttempt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
	}()

	t, err := s.lifecycle.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := worker.Run(softCtx, t, rep)
		done <- result{output, err}
	}()

	var hardTimer <-chan time.Time
	if s.hardTimeout > 0 {
		timer := time.NewTimer(s.hardTimeout)
		defer timer.Stop()
		hardTimer = timer.C
	}

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && attemptCtx.Err() == nil {
			return nil, ErrSoftTimeout
		}
		if res.err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, context.Canceled
		}
		return res.output, res.err
	case <-hardTimer:
		cancelAttempt()
		return nil, ErrHardTimeout
	}
}

func (s *Supervisor) failTask(ctx context.Context, taskID, message string, logger *slog.Logger) {
	if _, err := s.lifecycle.FinishAttempt(ctx, taskID, service.AttemptOutcome{
		ErrorMessage: message,
	}); err != nil {
		logger.Error("failed to record failure", "error", err)
	}
}

// taskReporter adapts the lifecycle service to the worker-facing Reporter.
type taskReporter struct {
	lifecycle Lifecycle
	taskID    string
}

func (r *taskReporter) Progress(ctx context.Context, value float64, currentStep string) error {
	cmd := service.UpdateTaskCommand{Progress: &value}
	if currentStep != "" {
		cmd.CurrentStep = &currentStep
	}
	_, err := r.lifecycle.Update(ctx, r.taskID, cmd)
	return err
}

func (r *taskReporter) Steps(ctx context.Context, completed, total int) error {
	_, err := r.lifecycle.SetSteps(ctx, r.taskID, completed, total)
	return err
}

func (r *taskReporter) Log(ctx context.Context, level domain.LogLevel, message string) error {
	_, err := r.lifecycle.AddLog(ctx, r.taskID, service.AddLogCommand{
		Level:   string(level),
		Message: message,
	})
	return err
}
