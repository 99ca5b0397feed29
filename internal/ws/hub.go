package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/pairchat/internal/message"
	"github.com/christopherjohns/pairchat/internal/ratelimit"
	"github.com/christopherjohns/pairchat/internal/room"
)

const (
	defaultOpTimeout        = 5 * time.Second
	defaultMaxMessageLength = 2000
)

var (
	// ErrSessionClosed is returned for operations on a disconnected session.
	ErrSessionClosed = errors.New("ws: session closed")

	// ErrUnauthorized is returned when a session asks for a room it does
	// not participate in. The session is terminated.
	ErrUnauthorized = errors.New("ws: not a participant of room")

	// ErrMessageTooLong is returned for bodies over the configured limit.
	ErrMessageTooLong = errors.New("ws: message too long")

	// ErrRateLimited is returned when a session sends too fast.
	ErrRateLimited = errors.New("ws: rate limit exceeded")
)

// Hub owns the live sessions and their room subscriptions, and implements
// the join, send and history operations on top of a room directory and a
// message store.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	subs  map[*Client]map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	directory        room.Directory
	messages         message.MessageStore
	conns            *ConnManager
	sendLimiter      *ratelimit.Limiter
	opTimeout        time.Duration
	maxMessageLength int
	logger           *zap.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithConnManager replaces the default connection manager.
func WithConnManager(cm *ConnManager) HubOption {
	return func(h *Hub) {
		h.conns = cm
	}
}

// WithSendLimiter rate limits chat sends per identity.
func WithSendLimiter(l *ratelimit.Limiter) HubOption {
	return func(h *Hub) {
		h.sendLimiter = l
	}
}

// WithOpTimeout bounds every storage call.
func WithOpTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.opTimeout = d
		}
	}
}

// WithMaxMessageLength sets the maximum body length in characters.
func WithMaxMessageLength(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxMessageLength = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a Hub over the given directory and store.
func NewHub(directory room.Directory, messages message.MessageStore, opts ...HubOption) *Hub {
	h := &Hub{
		rooms:            make(map[string]map[*Client]struct{}),
		subs:             make(map[*Client]map[string]struct{}),
		locks:            make(map[string]*sync.Mutex),
		directory:        directory,
		messages:         messages,
		opTimeout:        defaultOpTimeout,
		maxMessageLength: defaultMaxMessageLength,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.conns == nil {
		h.conns = NewConnManager(WithConnLogger(h.logger))
	}
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Register tracks an authenticated client and starts its write pump. The
// returned context ends when the client is removed.
func (h *Hub) Register(c *Client) (context.Context, error) {
	ctx, err := h.conns.Add(c)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.subs[c] = make(map[string]struct{})
	h.mu.Unlock()
	h.logger.Debug("session registered",
		zap.String("session_id", c.session.ID),
		zap.String("user_id", c.session.UserID),
	)
	return ctx, nil
}

// Disconnect removes the client from every room and stops its write pump.
// It is safe to call more than once. Storage calls already issued for the
// client are not cancelled.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	rooms, ok := h.subs[c]
	delete(h.subs, c)
	for roomID := range rooms {
		if clients, exists := h.rooms[roomID]; exists {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()

	h.conns.Remove(c)
	if ok {
		h.logger.Debug("session disconnected",
			zap.String("session_id", c.session.ID),
			zap.String("user_id", c.session.UserID),
		)
	}
}

// Join resolves the room shared with peer, subscribes c to it, acknowledges
// with the room descriptor and then sends the room's full history to every
// subscriber. The room lock keeps the history snapshot and live sends from
// interleaving. If the history cannot be loaded, c is not subscribed and
// gets only an error.
func (h *Hub) Join(ctx context.Context, c *Client, peer string) error {
	if !h.live(c) {
		return ErrSessionClosed
	}
	opCtx, cancel := h.opContext(ctx)
	defer cancel()

	r, err := h.directory.FindOrCreate(opCtx, c.session.UserID, strings.TrimSpace(peer))
	if err != nil {
		if errors.Is(err, room.ErrInvalidPair) {
			h.sendError(c, EventJoinRoom, "", "invalid peer")
		} else {
			h.logger.Error("resolve room", zap.String("user_id", c.session.UserID), zap.Error(err))
			h.sendError(c, EventJoinRoom, "", "could not join room")
		}
		return err
	}

	lock := h.roomLock(r.ID)
	lock.Lock()
	defer lock.Unlock()

	history, err := h.messages.History(opCtx, r.ID)
	if err != nil {
		h.logger.Error("load history", zap.String("room_id", r.ID), zap.Error(err))
		h.sendError(c, EventJoinRoom, r.ID, "could not load history")
		return err
	}

	if !h.subscribe(c, r.ID) {
		return ErrSessionClosed
	}
	h.emit(c, EventJoinedRoom, r)
	h.broadcast(r.ID, EventChatHistory, ChatHistoryPayload{Room: r.ID, History: history})
	return nil
}

// Send stores body in roomID and, only once the append succeeded, fans it
// out to every subscriber of the room including the sender. The body is
// stored as sent; the empty and length checks ignore surrounding whitespace.
func (h *Hub) Send(ctx context.Context, c *Client, roomID, body string) error {
	if !h.live(c) {
		return ErrSessionClosed
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		h.sendError(c, EventChatToServer, roomID, "message is required")
		return message.ErrEmptyBody
	}
	if utf8.RuneCountInString(trimmed) > h.maxMessageLength {
		h.sendError(c, EventChatToServer, roomID, "message too long")
		return ErrMessageTooLong
	}
	if !h.sendLimiter.Allow(c.session.UserID) {
		h.sendError(c, EventChatToServer, roomID, "rate limit exceeded")
		return ErrRateLimited
	}

	opCtx, cancel := h.opContext(ctx)
	defer cancel()

	if _, err := h.directory.FindForParticipant(opCtx, c.session.UserID, roomID); err != nil {
		if errors.Is(err, room.ErrNotFound) {
			h.sendError(c, EventChatToServer, roomID, "not a participant of room")
			return ErrUnauthorized
		}
		h.logger.Error("authorize send", zap.String("room_id", roomID), zap.Error(err))
		h.sendError(c, EventChatToServer, roomID, "message not delivered")
		return err
	}

	lock := h.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := h.messages.Append(opCtx, roomID, c.session.UserID, body)
	if err != nil {
		h.logger.Error("append message",
			zap.String("room_id", roomID),
			zap.String("user_id", c.session.UserID),
			zap.Error(err),
		)
		h.sendError(c, EventChatToServer, roomID, "message not delivered")
		return err
	}
	h.broadcast(roomID, EventChatToClient, ChatToClientPayload{
		Room:    msg.RoomID,
		Message: msg.Body,
		Sender:  msg.SenderID,
		Seq:     msg.Seq,
		SentAt:  msg.CreatedAt,
	})
	return nil
}

// History sends the ordered history of roomID to c only. A session that
// is not a participant is terminated without receiving anything.
func (h *Hub) History(ctx context.Context, c *Client, roomID string) error {
	if !h.live(c) {
		return ErrSessionClosed
	}
	opCtx, cancel := h.opContext(ctx)
	defer cancel()

	if _, err := h.directory.FindForParticipant(opCtx, c.session.UserID, roomID); err != nil {
		if errors.Is(err, room.ErrNotFound) {
			h.logger.Info("unauthorized history request",
				zap.String("user_id", c.session.UserID),
				zap.String("room_id", roomID),
			)
			h.terminate(c, websocket.StatusPolicyViolation, "unauthorized")
			return ErrUnauthorized
		}
		h.logger.Error("authorize history", zap.String("room_id", roomID), zap.Error(err))
		h.sendError(c, EventGetChatHistory, roomID, "could not load history")
		return err
	}

	history, err := h.messages.History(opCtx, roomID)
	if err != nil {
		h.logger.Error("load history", zap.String("room_id", roomID), zap.Error(err))
		h.sendError(c, EventGetChatHistory, roomID, "could not load history")
		return err
	}
	h.emit(c, EventChatHistory, ChatHistoryPayload{Room: roomID, History: history})
	return nil
}

// Subscribers returns the number of sessions subscribed to a room.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// HubStats summarizes the hub's live state.
type HubStats struct {
	Sessions    int       `json:"sessions"`
	LiveRooms   int       `json:"liveRooms"`
	Connections ConnStats `json:"connections"`
}

// Stats returns point-in-time hub statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	stats := HubStats{Sessions: len(h.subs), LiveRooms: len(h.rooms)}
	h.mu.RUnlock()
	stats.Connections = h.conns.Stats()
	return stats
}

func (h *Hub) live(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[c]
	return ok
}

// subscribe adds c to roomID. It fails if c has already disconnected.
func (h *Hub) subscribe(c *Client, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.subs[c]
	if !ok {
		return false
	}
	rooms[roomID] = struct{}{}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	return true
}

// roomLock returns the mutex serializing joins and sends for a room.
func (h *Hub) roomLock(roomID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	lock, ok := h.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[roomID] = lock
	}
	return lock
}

// opContext detaches storage calls from the connection so a disconnect
// does not abort a write already issued.
func (h *Hub) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.opTimeout)
}

// broadcast encodes the event once and queues it for every subscriber.
func (h *Hub) broadcast(roomID, eventType string, payload any) {
	data, err := encode(eventType, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := lo.Keys(h.rooms[roomID])
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

// emit sends an event to a single client.
func (h *Hub) emit(c *Client, eventType string, payload any) {
	data, err := encode(eventType, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	h.deliver(c, data)
}

func (h *Hub) deliver(c *Client, data []byte) {
	if err := h.conns.Send(c, data); errors.Is(err, ErrSlowConsumer) {
		h.logger.Warn("dropping slow consumer",
			zap.String("session_id", c.session.ID),
			zap.String("user_id", c.session.UserID),
		)
		h.terminate(c, websocket.StatusTryAgainLater, "slow consumer")
	}
}

func (h *Hub) sendError(c *Client, event, roomID, msg string) {
	h.emit(c, EventError, ErrorPayload{Event: event, Room: roomID, Message: msg})
}

// terminate disconnects c now and closes its socket in the background so
// the caller never waits on the close handshake.
func (h *Hub) terminate(c *Client, code websocket.StatusCode, reason string) {
	first := c.markClosing()
	h.Disconnect(c)
	if first && c.conn != nil {
		go c.conn.Close(code, reason)
	}
}
