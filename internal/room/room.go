package room

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a room does not exist or the caller is
	// not one of its participants.
	ErrNotFound = errors.New("room: not found")

	// ErrInvalidPair is returned when the two identities are empty or equal.
	ErrInvalidPair = errors.New("room: participants must be two distinct non-empty identities")
)

// Room pairs exactly two participants. Participants are kept sorted so that
// {A, B} and {B, A} describe the same room.
type Room struct {
	ID           string    `json:"roomId"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID is one of the room's participants.
func (r *Room) HasParticipant(userID string) bool {
	return userID != "" && (r.Participants[0] == userID || r.Participants[1] == userID)
}

// Directory resolves rooms for pairs of identities.
type Directory interface {
	// FindOrCreate returns the room for the unordered pair {userA, userB},
	// creating it on first contact. At most one room exists per pair even
	// under concurrent callers.
	FindOrCreate(ctx context.Context, userA, userB string) (*Room, error)

	// FindForParticipant returns the room only if userID participates in it.
	FindForParticipant(ctx context.Context, userID, roomID string) (*Room, error)
}

// Normalize orders the pair so the lexically smaller identity comes first.
func Normalize(userA, userB string) (lo, hi string, err error) {
	if userA == "" || userB == "" || userA == userB {
		return "", "", ErrInvalidPair
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA, userB, nil
}

// PairKey returns an order-independent key for the pair. The length prefix
// keeps keys unambiguous whatever characters identities contain.
func PairKey(userA, userB string) (string, error) {
	lo, hi, err := Normalize(userA, userB)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(len(lo)) + ":" + lo + ":" + hi, nil
}

// New builds a room record for the pair with a fresh identifier.
func New(userA, userB string) (*Room, error) {
	lo, hi, err := Normalize(userA, userB)
	if err != nil {
		return nil, err
	}
	return &Room{
		ID:           uuid.NewString(),
		Participants: [2]string{lo, hi},
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Manager is an in-memory Directory. Its mutex is the single-writer
// arbitration point for room creation.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byPair map[string]*Room
}

// NewManager creates a new room Manager.
func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		byPair: make(map[string]*Room),
	}
}

// FindOrCreate implements Directory.
func (m *Manager) FindOrCreate(ctx context.Context, userA, userB string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := PairKey(userA, userB)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	r, ok := m.byPair[key]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have created it between the locks.
	if r, ok := m.byPair[key]; ok {
		return r, nil
	}
	r, err = New(userA, userB)
	if err != nil {
		return nil, err
	}
	m.rooms[r.ID] = r
	m.byPair[key] = r
	return r, nil
}

// FindForParticipant implements Directory.
func (m *Manager) FindForParticipant(ctx context.Context, userID, roomID string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok || !r.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	return r, nil
}
