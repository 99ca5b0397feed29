package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func roomKey(roomID string) string {
	return "room:" + roomID
}

func pairKey(key string) string {
	return "room-pair:" + key
}

// RedisDirectory persists rooms in Redis. The normalized pair key is claimed
// with SET NX, which arbitrates concurrent first contact.
type RedisDirectory struct {
	client redis.Cmdable
}

// NewRedisDirectory creates a RedisDirectory on client.
func NewRedisDirectory(client redis.Cmdable) *RedisDirectory {
	return &RedisDirectory{client: client}
}

// FindOrCreate implements Directory. The candidate record is written before
// the pair is claimed so a winning room id always resolves.
func (d *RedisDirectory) FindOrCreate(ctx context.Context, userA, userB string) (*Room, error) {
	key, err := PairKey(userA, userB)
	if err != nil {
		return nil, err
	}

	if r, err := d.byPair(ctx, key); err == nil {
		return r, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	candidate, err := New(userA, userB)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal room: %w", err)
	}
	if err := d.client.Set(ctx, roomKey(candidate.ID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("redis: write room: %w", err)
	}

	won, err := d.client.SetNX(ctx, pairKey(key), candidate.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: claim pair: %w", err)
	}
	if won {
		return candidate, nil
	}

	if err := d.client.Del(ctx, roomKey(candidate.ID)).Err(); err != nil {
		return nil, fmt.Errorf("redis: discard candidate room: %w", err)
	}
	return d.byPair(ctx, key)
}

// FindForParticipant implements Directory.
func (d *RedisDirectory) FindForParticipant(ctx context.Context, userID, roomID string) (*Room, error) {
	r, err := d.get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	return r, nil
}

func (d *RedisDirectory) byPair(ctx context.Context, key string) (*Room, error) {
	id, err := d.client.Get(ctx, pairKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read pair: %w", err)
	}
	return d.get(ctx, id)
}

func (d *RedisDirectory) get(ctx context.Context, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, ErrNotFound
	}
	data, err := d.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read room: %w", err)
	}
	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: decode room: %w", err)
	}
	return &r, nil
}
