package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoedit/tate-api/internal/api"
	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/events"
	"github.com/autoedit/tate-api/internal/hub"
	"github.com/autoedit/tate-api/internal/service"
)

func newWSServer(t *testing.T, h *hub.Hub, svc *fakeTaskService) *httptest.Server {
	t.Helper()

	router := chi.NewRouter()
	handler := api.NewWSHandler(h, svc, quietLogger())
	router.Get("/api/status/ws/{task_id}", handler.Subscribe)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, taskID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/ws/" + taskID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func knownTaskService(t *testing.T) *fakeTaskService {
	return &fakeTaskService{t: t, getFn: func(_ context.Context, taskID string) (*domain.Task, error) {
		return sampleTask(taskID), nil
	}}
}

// waitSubscribers polls until taskID has want subscribers, since the server
// registers the subscription on its own goroutine after the upgrade.
func waitSubscribers(t *testing.T, h *hub.Hub, taskID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount(taskID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, h.SubscriberCount(taskID))
}

func TestWSHandler_DeliversEvents(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))

	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	h.Publish(context.Background(), events.TaskChangeEvent{
		TaskID:   "task-1",
		Status:   domain.TaskStatusProcessing,
		Progress: 30,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.TaskChangeEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, domain.TaskStatusProcessing, got.Status)
	assert.InDelta(t, 30.0, got.Progress, 0.001)
}

func TestWSHandler_UnknownTaskRejectedBeforeUpgrade(t *testing.T) {
	h := hub.New(quietLogger())
	svc := &fakeTaskService{t: t, getFn: func(context.Context, string) (*domain.Task, error) {
		return nil, service.ErrTaskNotFound
	}}
	srv := newWSServer(t, h, svc)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/ws/missing"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSHandler_HeartbeatAck(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))
	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	require.NoError(t, conn.WriteJSON(hub.ClientMessage{Type: hub.MessageTypeHeartbeat}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply hub.ControlReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, hub.MessageTypeHeartbeatAck, reply.Type)
}

func TestWSHandler_LegacyPing(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))
	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))
}

func TestWSHandler_MalformedMessageKeepsConnection(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))
	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply hub.ControlReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, hub.MessageTypeError, reply.Type)

	// The subscription survives the bad frame.
	h.Publish(context.Background(), events.TaskChangeEvent{TaskID: "task-1", Status: domain.TaskStatusProcessing})
	var got events.TaskChangeEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "task-1", got.TaskID)
}

func TestWSHandler_SubscribeAndUnsubscribeControl(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))
	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	require.NoError(t, conn.WriteJSON(hub.ClientMessage{Type: hub.MessageTypeSubscribe, TaskID: "task-2"}))
	waitSubscribers(t, h, "task-2", 1)

	// Events for the second task now reach the same connection.
	h.Publish(context.Background(), events.TaskChangeEvent{TaskID: "task-2", Status: domain.TaskStatusCompleted})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.TaskChangeEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "task-2", got.TaskID)

	require.NoError(t, conn.WriteJSON(hub.ClientMessage{Type: hub.MessageTypeUnsubscribe, TaskID: "task-2"}))
	waitSubscribers(t, h, "task-2", 0)
}

func TestWSHandler_SubscribeRequiresTaskID(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))
	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	raw, err := json.Marshal(hub.ClientMessage{Type: hub.MessageTypeSubscribe})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply hub.ControlReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, hub.MessageTypeError, reply.Type)
	assert.Contains(t, reply.Message, "task_id")
}

func TestWSHandler_DisconnectPrunesSubscriptions(t *testing.T) {
	h := hub.New(quietLogger())
	srv := newWSServer(t, h, knownTaskService(t))
	conn := dialWS(t, srv, "task-1")
	waitSubscribers(t, h, "task-1", 1)

	require.NoError(t, conn.WriteJSON(hub.ClientMessage{Type: hub.MessageTypeSubscribe, TaskID: "task-2"}))
	waitSubscribers(t, h, "task-2", 1)

	require.NoError(t, conn.Close())

	waitSubscribers(t, h, "task-1", 0)
	waitSubscribers(t, h, "task-2", 0)
}
