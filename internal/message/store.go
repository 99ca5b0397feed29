package message

import (
	"context"
	"sync"
	"time"
)

// Store keeps room logs in memory.
type Store struct {
	mu    sync.RWMutex
	rooms map[string][]*Message
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		rooms: make(map[string][]*Message),
	}
}

// Append adds a message to the room's history.
func (s *Store) Append(ctx context.Context, roomID, senderID, body string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if body == "" {
		return nil, ErrEmptyBody
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[roomID]
	msg := &Message{
		Seq:       int64(len(msgs)) + 1,
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	s.rooms[roomID] = append(msgs, msg)
	return msg, nil
}

// History returns a copy of the room's messages in append order.
func (s *Store) History(ctx context.Context, roomID string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	result := make([]*Message, len(msgs))
	copy(result, msgs)
	return result, nil
}
