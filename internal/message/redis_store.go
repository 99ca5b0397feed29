package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKey returns the Redis key for a room's message list. It lives
// outside the room: prefix so no room id can resolve to a message list.
func redisKey(roomID string) string {
	return "messages:" + roomID
}

// RedisStore persists messages in Redis using a list per room. RPUSH is
// atomic and returns the new list length, which becomes the message's
// sequence number.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore on client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Append pushes a message onto the room's list.
func (s *RedisStore) Append(ctx context.Context, roomID, senderID, body string) (*Message, error) {
	if body == "" {
		return nil, ErrEmptyBody
	}

	msg := &Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal message: %w", err)
	}

	n, err := s.client.RPush(ctx, redisKey(roomID), data).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: append message: %w", err)
	}
	msg.Seq = n
	return msg, nil
}

// History returns the whole list. Sequence numbers are list positions.
func (s *RedisStore) History(ctx context.Context, roomID string) ([]*Message, error) {
	vals, err := s.client.LRange(ctx, redisKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read messages: %w", err)
	}

	msgs := make([]*Message, 0, len(vals))
	for i, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("redis: decode message %d: %w", i+1, err)
		}
		m.Seq = int64(i) + 1
		msgs = append(msgs, &m)
	}
	return msgs, nil
}
