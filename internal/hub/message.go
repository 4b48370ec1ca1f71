package hub

// Inbound message types accepted from subscriber connections, and the
// replies the hub sends back on the same connection.
const (
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeHeartbeatAck = "heartbeat_ack"
	MessageTypeError        = "error"
)

// ClientMessage is a control frame sent by a subscriber connection.
type ClientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

// ControlReply is the hub's answer to a control frame. Malformed inbound
// messages produce a Type of "error" with a populated Message; heartbeats
// produce "heartbeat_ack". Neither alters subscription state.
type ControlReply struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}
