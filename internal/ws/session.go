package ws

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Session is the verified context of one connection. It is created once
// authentication succeeds and never changes afterwards.
type Session struct {
	ID          string
	UserID      string
	RemoteAddr  string
	ConnectedAt time.Time
}

// NewSession creates a session for an authenticated identity.
func NewSession(userID, remoteAddr string) Session {
	return Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
}

// Client pairs a live connection with its session.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	session Session
	closing atomic.Bool
}

// NewClient wraps an accepted connection.
func NewClient(conn *websocket.Conn, session Session) *Client {
	return &Client{conn: conn, session: session}
}

// Session returns the client's session.
func (c *Client) Session() Session {
	return c.session
}

// markClosing reports whether the caller is the first to close the socket.
// Only that caller writes the close frame, so the status code it picks is
// the one the peer sees.
func (c *Client) markClosing() bool {
	return c.closing.CompareAndSwap(false, true)
}
