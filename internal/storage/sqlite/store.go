// Package sqlite provides a SQLite-backed room directory and message log.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/christopherjohns/pairchat/internal/message"
	"github.com/christopherjohns/pairchat/internal/room"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store persists rooms and messages in a single SQLite file. The UNIQUE
// constraint on the normalized participant pair guarantees one room per pair.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers; SQLite allows only one anyway.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// FindOrCreate implements room.Directory.
func (s *Store) FindOrCreate(ctx context.Context, userA, userB string) (*room.Room, error) {
	candidate, err := room.New(userA, userB)
	if err != nil {
		return nil, err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO rooms (room_id, participant_lo, participant_hi, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (participant_lo, participant_hi) DO NOTHING`,
		candidate.ID,
		candidate.Participants[0],
		candidate.Participants[1],
		toMillis(candidate.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT room_id, participant_lo, participant_hi, created_at
		 FROM rooms WHERE participant_lo = ? AND participant_hi = ?`,
		candidate.Participants[0],
		candidate.Participants[1],
	)
	r, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return r, nil
}

// FindForParticipant implements room.Directory.
func (s *Store) FindForParticipant(ctx context.Context, userID, roomID string) (*room.Room, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT room_id, participant_lo, participant_hi, created_at
		 FROM rooms
		 WHERE room_id = ? AND (participant_lo = ? OR participant_hi = ?)`,
		roomID, userID, userID,
	)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, room.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return r, nil
}

// Append implements message.MessageStore. The insert commits before it
// returns.
func (s *Store) Append(ctx context.Context, roomID, senderID, body string) (*message.Message, error) {
	if body == "" {
		return nil, message.ErrEmptyBody
	}
	msg := &message.Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender_id, body, created_at) VALUES (?, ?, ?, ?)`,
		roomID, senderID, body, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read message sequence: %w", err)
	}
	msg.Seq = seq
	return msg, nil
}

// History implements message.MessageStore.
func (s *Store) History(ctx context.Context, roomID string) ([]*message.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, room_id, sender_id, body, created_at
		 FROM messages WHERE room_id = ? ORDER BY seq ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*message.Message, 0)
	for rows.Next() {
		var (
			m         message.Message
			createdAt int64
		)
		if err := rows.Scan(&m.Seq, &m.RoomID, &m.SenderID, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func scanRoom(row *sql.Row) (*room.Room, error) {
	var (
		r         room.Room
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.Participants[0], &r.Participants[1], &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}
