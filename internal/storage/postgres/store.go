// Package postgres provides a Postgres-backed room directory and message log.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/christopherjohns/pairchat/internal/message"
	"github.com/christopherjohns/pairchat/internal/room"
)

//go:embed schema.sql
var schema string

// NewPool builds a connection pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// Store persists rooms and messages in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open pings the pool and applies the schema.
func Open(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// FindOrCreate implements room.Directory. Concurrent creators race on the
// rooms_pair_unique constraint; losers read the winner's row.
func (s *Store) FindOrCreate(ctx context.Context, userA, userB string) (*room.Room, error) {
	candidate, err := room.New(userA, userB)
	if err != nil {
		return nil, err
	}

	const insert = `
		INSERT INTO rooms (room_id, participant_lo, participant_hi, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT rooms_pair_unique DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, insert,
		candidate.ID,
		candidate.Participants[0],
		candidate.Participants[1],
		candidate.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	const query = `
		SELECT room_id, participant_lo, participant_hi, created_at
		FROM rooms
		WHERE participant_lo = $1 AND participant_hi = $2
	`
	r, err := scanRoom(s.pool.QueryRow(ctx, query, candidate.Participants[0], candidate.Participants[1]))
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return r, nil
}

// FindForParticipant implements room.Directory.
func (s *Store) FindForParticipant(ctx context.Context, userID, roomID string) (*room.Room, error) {
	const query = `
		SELECT room_id, participant_lo, participant_hi, created_at
		FROM rooms
		WHERE room_id = $1 AND (participant_lo = $2 OR participant_hi = $2)
	`
	r, err := scanRoom(s.pool.QueryRow(ctx, query, roomID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, room.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return r, nil
}

// Append implements message.MessageStore.
func (s *Store) Append(ctx context.Context, roomID, senderID, body string) (*message.Message, error) {
	if body == "" {
		return nil, message.ErrEmptyBody
	}
	const query = `
		INSERT INTO messages (room_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING seq, created_at
	`
	msg := &message.Message{RoomID: roomID, SenderID: senderID, Body: body}
	if err := s.pool.QueryRow(ctx, query, roomID, senderID, body).Scan(&msg.Seq, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// History implements message.MessageStore.
func (s *Store) History(ctx context.Context, roomID string) ([]*message.Message, error) {
	const query = `
		SELECT seq, room_id, sender_id, body, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*message.Message, 0)
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.Seq, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func scanRoom(row pgx.Row) (*room.Room, error) {
	var r room.Room
	if err := row.Scan(&r.ID, &r.Participants[0], &r.Participants[1], &r.CreatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}
