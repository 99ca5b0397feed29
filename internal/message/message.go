package message

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyBody is returned when a message has no content.
var ErrEmptyBody = errors.New("message: body is required")

// Message is a chat message persisted in a room's log. Seq is assigned by
// the store and orders the room's history.
type Message struct {
	Seq       int64     `json:"seq"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore is the interface for message persistence backends.
type MessageStore interface {
	// Append durably records a message and returns it with its sequence
	// assigned. Appends to the same room are never reordered.
	Append(ctx context.Context, roomID, senderID, body string) (*Message, error)

	// History returns every message in the room in ascending sequence
	// order. A room without messages yields an empty, non-nil slice.
	History(ctx context.Context, roomID string) ([]*Message, error)
}
