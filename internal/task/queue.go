package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autoedit/tate-api/internal/platform/metrics"
)

// Common errors returned by the Queue.
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// Queue is a bounded in-memory buffer of task identities awaiting a worker.
type Queue struct {
	ids    chan string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue with the specified buffer size.
func NewQueue(size int, logger *slog.Logger) *Queue {
	return &Queue{
		ids:    make(chan string, size),
		logger: logger,
	}
}

// Enqueue adds a task identity for processing.
// Returns ErrQueueFull when the buffer is at capacity and ErrQueueClosed
// after Close.
func (q *Queue) Enqueue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ids <- taskID:
		metrics.QueueDepth.Set(float64(len(q.ids)))
		q.logger.Debug("task enqueued",
			"task_id", taskID,
			"queue_len", len(q.ids),
			"queue_cap", cap(q.ids))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.ids))
	}
}

// Close stops further submission. Already-queued identities remain
// consumable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ids)
		q.logger.Info("task queue closed")
	}
}

// Chan returns the read side of the queue.
func (q *Queue) Chan() <-chan string {
	return q.ids
}

// Len reports the number of queued identities.
func (q *Queue) Len() int {
	return len(q.ids)
}
