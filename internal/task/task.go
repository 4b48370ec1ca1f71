// Package task runs queued tasks to completion. A Supervisor pulls task
// identities off an in-memory queue, hands them to registered workers, and
// drives the lifecycle around each attempt: retries with backoff, soft and
// hard execution deadlines, cooperative cancellation, and the final
// completed/failed report.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/autoedit/tate-api/internal/domain"
)

// Worker executes one kind of task. Run must honor ctx cancellation and
// return the output payload to store on success.
type Worker interface {
	// Type names the task type this worker handles.
	Type() domain.TaskType

	// Run executes the task. Progress and logs go through the reporter.
	Run(ctx context.Context, t *domain.Task, rep Reporter) (json.RawMessage, error)
}

// Reporter lets a running worker publish progress back to the task record.
type Reporter interface {
	// Progress stores a progress value and the human-readable current step.
	Progress(ctx context.Context, value float64, currentStep string) error

	// Steps stores the step counters; a positive total recomputes progress.
	Steps(ctx context.Context, completed, total int) error

	// Log appends a log record to the task's stream.
	Log(ctx context.Context, level domain.LogLevel, message string) error
}

// PermanentError marks a failure that retrying cannot fix, such as invalid
// input. The supervisor fails the task immediately instead of retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the supervisor will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrSoftTimeout is returned when an attempt exceeds its soft deadline.
// It is retryable with a fixed cool-down instead of exponential backoff.
var ErrSoftTimeout = errors.New("execution exceeded soft time limit")

// ErrHardTimeout is returned when an attempt exceeds its hard deadline.
// The supervisor abandons the attempt and fails the task.
var ErrHardTimeout = errors.New("execution exceeded hard time limit")

// ErrUnknownTaskType is returned when no worker is registered for a type.
var ErrUnknownTaskType = errors.New("no worker registered for task type")

// Registry maps task types to their workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[domain.TaskType]Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[domain.TaskType]Worker)}
}

// Register adds a worker, replacing any previous worker for the same type.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Type()] = w
}

// Lookup returns the worker for the given type.
func (r *Registry) Lookup(taskType domain.TaskType) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return w, nil
}
