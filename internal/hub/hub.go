// Package hub implements the notification fan-out for live task updates.
// A Hub owns the mapping from task identity to its set of subscribed
// connections and pushes every accepted state-change event to them. It is
// instantiated once per process and passed by reference to the transport
// layer; there is no package-level state.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/platform/metrics"
)

// Subscriber is a live connection capable of receiving task change events.
// Send returning an error marks the connection dead; the hub prunes it and
// continues delivering to the remaining subscribers.
type Subscriber interface {
	Send(event events.TaskChangeEvent) error
}

// Hub maintains subscriber sets keyed by task identity.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[Subscriber]struct{}
	logger      *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[Subscriber]struct{}),
		logger:      logger.With("component", "notification_hub"),
	}
}

// Subscribe registers sub for events about taskID. Subscribing the same
// connection twice is a no-op.
func (h *Hub) Subscribe(sub Subscriber, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[taskID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.subscribers[taskID] = set
	}
	if _, exists := set[sub]; exists {
		return
	}
	set[sub] = struct{}{}
	metrics.HubSubscribers.Inc()

	h.logger.Debug("subscriber registered",
		"task_id", taskID,
		"subscriber_count", len(set))
}

// Unsubscribe removes sub from taskID's subscriber set. The set is pruned
// when it empties so the map never grows without bound.
func (h *Hub) Unsubscribe(sub Subscriber, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, taskID)
}

func (h *Hub) removeLocked(sub Subscriber, taskID string) {
	set, ok := h.subscribers[taskID]
	if !ok {
		return
	}
	if _, exists := set[sub]; !exists {
		return
	}
	delete(set, sub)
	metrics.HubSubscribers.Dec()
	if len(set) == 0 {
		delete(h.subscribers, taskID)
	}
}

// Publish delivers event to every subscriber of the event's task identity.
// A failed delivery removes that subscriber without blocking delivery to the
// others. Publishing with no subscribers is a silent no-op.
func (h *Hub) Publish(ctx context.Context, event events.TaskChangeEvent) {
	h.mu.RLock()
	set := h.subscribers[event.TaskID]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var failed []Subscriber
	for _, sub := range targets {
		if err := sub.Send(event); err != nil {
			h.logger.Debug("dropping unresponsive subscriber",
				"task_id", event.TaskID,
				"error", err)
			failed = append(failed, sub)
			metrics.HubDeliveriesDropped.Inc()
			continue
		}
		metrics.HubDeliveries.Inc()
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, sub := range failed {
			h.removeLocked(sub, event.TaskID)
		}
		h.mu.Unlock()
	}
}

// SubscriberCount returns the number of live subscribers for taskID.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[taskID])
}

// HandleChange implements events.ChangeHandler so state-change events
// emitted by the lifecycle engine fan out to subscribers.
func (h *Hub) HandleChange(ctx context.Context, event events.TaskChangeEvent) {
	h.Publish(ctx, event)
}

var _ events.ChangeHandler = (*Hub)(nil)
