package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/autoedit/tate-api/internal/api/shared"
	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/hub"
	"github.com/autoedit/tate-api/internal/service"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler upgrades subscriber connections and bridges them to the
// notification hub.
type WSHandler struct {
	hub         *hub.Hub
	taskService service.TaskService
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewWSHandler creates a WSHandler bound to the given hub.
func NewWSHandler(h *hub.Hub, taskService service.TaskService, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub:         h,
		taskService: taskService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API carries no credentials, so cross-origin dashboards
			// may subscribe directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "ws_handler")),
	}
}

// wsConn adapts a websocket connection to hub.Subscriber. Writes are
// serialized because both the hub and the control loop send on it.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(event events.TaskChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(event)
}

func (c *wsConn) sendReply(reply hub.ControlReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(reply)
}

// Subscribe handles GET /api/status/ws/{task_id}. The connection starts
// subscribed to the task in the URL and may manage further subscriptions
// with control frames.
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	// Reject unknown tasks before upgrading so the client gets a clean 404.
	if _, err := h.taskService.Get(r.Context(), taskID); err != nil {
		status, msg := respondError(err)
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := &wsConn{conn: conn}
	h.hub.Subscribe(sub, taskID)
	h.logger.Info("websocket subscriber connected", "task_id", taskID)

	// Track every task this connection follows so all of them can be
	// released when it goes away.
	subscribed := map[string]struct{}{taskID: {}}
	defer func() {
		for id := range subscribed {
			h.hub.Unsubscribe(sub, id)
		}
		_ = conn.Close()
		h.logger.Info("websocket subscriber disconnected", "task_id", taskID)
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		// Legacy heartbeat: a bare "ping" text frame gets a bare "pong".
		if string(raw) == "ping" {
			sub.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			werr := conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			sub.mu.Unlock()
			if werr != nil {
				return
			}
			continue
		}

		var msg hub.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames get a structured error reply; the
			// connection and its subscriptions stay intact.
			if h.replyError(sub, "invalid message format") != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case hub.MessageTypeSubscribe:
			if msg.TaskID == "" {
				if h.replyError(sub, "task_id is required") != nil {
					return
				}
				continue
			}
			h.hub.Subscribe(sub, msg.TaskID)
			subscribed[msg.TaskID] = struct{}{}

		case hub.MessageTypeUnsubscribe:
			if msg.TaskID == "" {
				if h.replyError(sub, "task_id is required") != nil {
					return
				}
				continue
			}
			h.hub.Unsubscribe(sub, msg.TaskID)
			delete(subscribed, msg.TaskID)

		case hub.MessageTypeHeartbeat:
			if sub.sendReply(hub.ControlReply{Type: hub.MessageTypeHeartbeatAck}) != nil {
				return
			}

		default:
			if h.replyError(sub, "unknown message type: "+msg.Type) != nil {
				return
			}
		}
	}
}

func (h *WSHandler) replyError(sub *wsConn, message string) error {
	return sub.sendReply(hub.ControlReply{
		Type:    hub.MessageTypeError,
		Message: message,
	})
}
