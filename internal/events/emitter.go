package events

import (
	"context"
	"log/slog"
	"sync"
)

// InMemoryChangeEmitter is a simple implementation of the ChangeEmitter
// interface that stores registered handlers in memory and dispatches events
// to them synchronously.
type InMemoryChangeEmitter struct {
	handlers []ChangeHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryChangeEmitter creates a new instance of InMemoryChangeEmitter.
func NewInMemoryChangeEmitter(logger *slog.Logger) *InMemoryChangeEmitter {
	return &InMemoryChangeEmitter{
		handlers: make([]ChangeHandler, 0),
		logger:   logger.With("component", "change_emitter"),
	}
}

// RegisterHandler adds a new handler to receive task change events.
func (e *InMemoryChangeEmitter) RegisterHandler(handler ChangeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered change handler", "handler_count", len(e.handlers))
}

// EmitChange publishes the given event to all registered handlers. Handlers
// absorb their own failures; emission never blocks the mutating operation on
// a misbehaving consumer.
func (e *InMemoryChangeEmitter) EmitChange(ctx context.Context, event TaskChangeEvent) {
	e.mu.RLock()
	handlers := make([]ChangeHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	e.logger.Debug("emitting task change",
		"task_id", event.TaskID,
		"status", event.Status,
		"progress", event.Progress,
		"handler_count", len(handlers))

	for _, handler := range handlers {
		handler.HandleChange(ctx, event)
	}
}

var _ ChangeEmitter = (*InMemoryChangeEmitter)(nil)
