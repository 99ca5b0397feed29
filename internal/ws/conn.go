package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 64

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	// ErrShuttingDown is returned by Add after Shutdown.
	ErrShuttingDown = errors.New("ws: server shutting down")

	// ErrAtCapacity is returned by Add when the connection limit is reached.
	ErrAtCapacity = errors.New("ws: server at capacity")

	// ErrNotConnected is returned by Send for a client that was removed.
	ErrNotConnected = errors.New("ws: client not connected")

	// ErrSlowConsumer is returned by Send when the client's buffer is full.
	ErrSlowConsumer = errors.New("ws: send buffer full")
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active        int   `json:"active"`
	MaxConns      int   `json:"maxConns"`
	Rejected      int64 `json:"rejected"`
	SlowConsumers int64 `json:"slowConsumers"`
	IdleReaped    int64 `json:"idleReaped"`
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	ConnectedAt time.Time     `json:"connectedAt"`
	LastActive  time.Time     `json:"lastActive"`
	Idle        time.Duration `json:"idle"`
}

// ConnManager tracks live connections. Each client gets a buffered send
// channel drained by its own write pump, so a slow socket never blocks a
// broadcaster.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc
	logger   *zap.Logger

	rejected      atomic.Int64
	slowConsumers atomic.Int64
	idleReaped    atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithConnLogger sets the logger.
func WithConnLogger(logger *zap.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.logger = logger
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context
// is cancelled when the client is removed or the manager shuts down.
func (cm *ConnManager) Add(c *Client) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		return nil, ErrAtCapacity
	}

	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)

	return ctx, nil
}

// Remove stops a client's write pump. It reports whether the client was
// registered; removing twice is a no-op.
func (cm *ConnManager) Remove(c *Client) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.clients[c]
	if !ok {
		return false
	}
	delete(cm.clients, c)
	entry.cancel()
	close(c.send)
	return true
}

// Send queues a frame for delivery without blocking. The channel is only
// closed under mu, so holding it here makes the send safe.
func (cm *ConnManager) Send(c *Client, data []byte) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.clients[c]; !ok {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		cm.slowConsumers.Add(1)
		return ErrSlowConsumer
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:        active,
		MaxConns:      maxConns,
		Rejected:      cm.rejected.Load(),
		SlowConsumers: cm.slowConsumers.Load(),
		IdleReaped:    cm.idleReaped.Load(),
	}
}

// Clients returns metadata for all active connections.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for c, entry := range cm.clients {
		result = append(result, ConnInfo{
			SessionID:   c.session.ID,
			UserID:      c.session.UserID,
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			Idle:        now.Sub(entry.lastActive),
		})
	}
	return result
}

// Shutdown closes all connections with StatusGoingAway and rejects new ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	for c, entry := range clients {
		entry.cancel()
		close(c.send)
	}
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c := range clients {
		if c.conn != nil && c.markClosing() {
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
// The read loop of each reaped client then exits and unsubscribes it.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*Client
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, c)
			delete(cm.clients, c)
			entry.cancel()
			close(c.send)
		}
	}
	cm.mu.Unlock()

	for _, c := range stale {
		if c.conn != nil && c.markClosing() {
			c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		}
		cm.idleReaped.Add(1)
		cm.logger.Info("reaped idle connection",
			zap.String("session_id", c.session.ID),
			zap.String("user_id", c.session.UserID),
		)
	}
}

// writePump drains the client's send channel, writing each frame to the
// connection. It exits when ctx is cancelled or the channel is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.logger.Debug("write failed",
					zap.String("session_id", c.session.ID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
