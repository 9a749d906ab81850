package relay

import (
	"encoding/json"
	"strings"
)

// Socket event names.
const (
	EventAdminChat     = "admin_chat"
	EventUserChat      = "user_chat"
	EventChatBroadcast = "chat_broadcast"
	EventUserAssigned  = "user_assigned"
	EventError         = "error"
)

// Handshake is read from the socket's connect query.
type Handshake struct {
	SessionID string
	TopicID   string
	Operator  bool
}

func (h Handshake) normalize() Handshake {
	h.SessionID = strings.TrimSpace(h.SessionID)
	h.TopicID = strings.TrimSpace(h.TopicID)
	return h
}

// ChatMessage is relayed verbatim between participants.
type ChatMessage struct {
	SessionID string `json:"sessionId"`
	Msg       string `json:"msg"`
	TS        int64  `json:"ts,omitempty"`
}

// Frame is the wire shape of every socket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

func sessionRoom(sessionID string) string { return "session:" + sessionID }

func topicRoom(topicID string) string { return "topic:" + topicID }
