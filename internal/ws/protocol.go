package ws

import (
	"encoding/json"
	"time"

	"github.com/christopherjohns/pairchat/internal/message"
)

// Event names carried in Envelope.Type.
const (
	EventJoinRoom       = "joinRoom"
	EventJoinedRoom     = "joinedRoom"
	EventChatHistory    = "chatHistory"
	EventChatToServer   = "chatToServer"
	EventChatToClient   = "chatToClient"
	EventGetChatHistory = "getChatHistory"
	EventError          = "error"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinRoomPayload is the object form of a joinRoom request. Clients may
// also send the peer identity as a bare JSON string.
type JoinRoomPayload struct {
	Peer string `json:"peer"`
}

// ChatToServerPayload is sent by the client to post a message.
type ChatToServerPayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

// ChatToClientPayload is fanned out to every subscriber of a room once the
// message has been stored.
type ChatToClientPayload struct {
	Room    string    `json:"room"`
	Message string    `json:"message"`
	Sender  string    `json:"sender"`
	Seq     int64     `json:"seq"`
	SentAt  time.Time `json:"sentAt"`
}

// GetChatHistoryPayload requests the history of one room.
type GetChatHistoryPayload struct {
	Room string `json:"room"`
}

// ChatHistoryPayload carries a room's ordered history.
type ChatHistoryPayload struct {
	Room    string             `json:"room,omitempty"`
	History []*message.Message `json:"history"`
}

// ErrorPayload reports a failed request to the requesting session only.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message"`
}

// encode wraps payload in an envelope of the given type.
func encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: data})
}
