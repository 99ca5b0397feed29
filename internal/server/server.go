package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/pairchat/internal/ratelimit"
	"github.com/christopherjohns/pairchat/internal/ws"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	pruneInterval          = time.Minute
	readHeaderTimeout      = 10 * time.Second
)

// Server is the main HTTP server for pairchat.
type Server struct {
	addr            string
	engine          *gin.Engine
	hub             *ws.Hub
	limiters        []*ratelimit.Limiter
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs and lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLimiters registers rate limiters whose expired windows are pruned
// periodically while the server runs.
func WithLimiters(limiters ...*ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiters = append(s.limiters, limiters...)
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a Server listening on addr that serves the WebSocket endpoint
// through wsHandler.
func New(addr string, hub *ws.Hub, wsHandler http.Handler, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		hub:             hub,
		shutdownTimeout: defaultShutdownTimeout,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(zapLoggerMiddleware(s.logger), gin.Recovery())
	s.routes(wsHandler)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// WebSocket session with StatusGoingAway and drains HTTP requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
		s.hub.ConnMgr().Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) routes(wsHandler http.Handler) {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws", gin.WrapH(wsHandler))

	api := s.engine.Group("/api")
	api.GET("/stats", s.handleStats)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statsDetail adds per-connection metadata to the hub statistics.
type statsDetail struct {
	ws.HubStats
	Clients []ws.ConnInfo `json:"clients"`
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.hub.Stats()
	if c.Query("detail") != "1" {
		c.JSON(http.StatusOK, stats)
		return
	}
	c.JSON(http.StatusOK, statsDetail{HubStats: stats, Clients: s.hub.ConnMgr().Clients()})
}

func (s *Server) pruneLoop(ctx context.Context) {
	if len(s.limiters) == 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range s.limiters {
				l.Prune()
			}
		}
	}
}

// zapLoggerMiddleware logs one line per request.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
