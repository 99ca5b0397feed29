package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/pairchat/internal/auth"
	"github.com/christopherjohns/pairchat/internal/ratelimit"
)

// readLimit caps inbound frame size.
const readLimit = 64 << 10

// Authenticator verifies the credential presented at connection time.
type Authenticator interface {
	Authenticate(credential string) (string, error)
}

// Handler authenticates WebSocket upgrade requests and runs the event loop
// of each accepted connection.
type Handler struct {
	hub            *Hub
	authn          Authenticator
	handshakes     *ratelimit.Limiter
	originPatterns []string
	logger         *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandshakeLimiter rate limits upgrade attempts per client IP.
func WithHandshakeLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) {
		h.handshakes = l
	}
}

// WithOriginPatterns restricts accepted Origin hosts. With no patterns any
// origin is accepted.
func WithOriginPatterns(patterns []string) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, authn Authenticator, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:    hub,
		authn:  authn,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates the request and, on success, upgrades it. A
// request that fails authentication is answered with 401 and never becomes
// a WebSocket, so no event is ever sent to it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.handshakes.Allow(ip) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	userID, err := h.authn.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		h.logger.Debug("authentication failed", zap.String("remote_ip", ip))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: len(h.originPatterns) == 0,
	})
	if err != nil {
		h.logger.Warn("accept failed", zap.String("remote_ip", ip), zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	client := NewClient(conn, NewSession(userID, ip))
	connCtx, err := h.hub.Register(client)
	if err != nil {
		status := websocket.StatusTryAgainLater
		if errors.Is(err, ErrShuttingDown) {
			status = websocket.StatusGoingAway
		}
		conn.Close(status, err.Error())
		return
	}
	defer func() {
		h.hub.Disconnect(client)
		if client.markClosing() {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	h.readLoop(r.Context(), connCtx, client)
}

// readLoop handles the client's events one at a time until the connection
// closes or the connection manager cancels connCtx. Each connection has its
// own loop, so slow storage only stalls the session that asked for it.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close, reaped, or terminated by the hub.
			return
		}
		h.hub.ConnMgr().TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.hub.sendError(client, "", "", "invalid JSON")
			continue
		}
		if err := h.dispatch(ctx, client, env); errors.Is(err, ErrSessionClosed) {
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, client *Client, env Envelope) error {
	switch env.Type {
	case EventJoinRoom:
		peer, ok := decodePeer(env.Payload)
		if !ok {
			h.hub.sendError(client, EventJoinRoom, "", "invalid joinRoom payload")
			return nil
		}
		return h.hub.Join(ctx, client, peer)

	case EventChatToServer:
		var payload ChatToServerPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Room == "" {
			h.hub.sendError(client, EventChatToServer, "", "invalid chatToServer payload")
			return nil
		}
		return h.hub.Send(ctx, client, payload.Room, payload.Message)

	case EventGetChatHistory:
		var payload GetChatHistoryPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Room == "" {
			h.hub.sendError(client, EventGetChatHistory, "", "invalid getChatHistory payload")
			return nil
		}
		return h.hub.History(ctx, client, payload.Room)

	default:
		h.logger.Debug("ignoring unknown event", zap.String("type", env.Type))
		return nil
	}
}

// decodePeer accepts either a bare JSON string or {"peer": "..."}.
func decodePeer(raw json.RawMessage) (string, bool) {
	var peer string
	if err := json.Unmarshal(raw, &peer); err == nil {
		return peer, peer != ""
	}
	var payload JoinRoomPayload
	if err := json.Unmarshal(raw, &payload); err == nil {
		return payload.Peer, payload.Peer != ""
	}
	return "", false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
