package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/christopherjohns/pairchat/internal/auth"
	"github.com/christopherjohns/pairchat/internal/config"
	"github.com/christopherjohns/pairchat/internal/message"
	"github.com/christopherjohns/pairchat/internal/ratelimit"
	"github.com/christopherjohns/pairchat/internal/room"
	"github.com/christopherjohns/pairchat/internal/server"
	"github.com/christopherjohns/pairchat/internal/storage/postgres"
	"github.com/christopherjohns/pairchat/internal/storage/sqlite"
	"github.com/christopherjohns/pairchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	directory, messages, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout),
		ws.WithConnLogger(logger),
	)
	sendLimiter := ratelimit.New(cfg.MessageRate, cfg.MessageRateWindow)
	handshakeLimiter := ratelimit.New(cfg.HandshakeRate, cfg.HandshakeRateWindow)

	hub := ws.NewHub(directory, messages,
		ws.WithConnManager(conns),
		ws.WithSendLimiter(sendLimiter),
		ws.WithOpTimeout(cfg.OpTimeout),
		ws.WithMaxMessageLength(cfg.MaxMessageLength),
		ws.WithLogger(logger),
	)

	var authOpts []auth.Option
	if cfg.JWTIssuer != "" {
		authOpts = append(authOpts, auth.WithIssuer(cfg.JWTIssuer))
	}
	authn := auth.NewAuthenticator(cfg.JWTSecret, authOpts...)

	handler := ws.NewHandler(hub, authn,
		ws.WithHandshakeLimiter(handshakeLimiter),
		ws.WithOriginPatterns(cfg.AllowedOrigins),
		ws.WithHandlerLogger(logger),
	)

	srv := server.New(cfg.ListenAddr, hub, handler,
		server.WithLogger(logger),
		server.WithLimiters(sendLimiter, handshakeLimiter),
	)
	return srv.Run(ctx)
}

// openStore connects the configured backend. The returned close function
// releases it after the server has stopped.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (room.Directory, message.MessageStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Info("using in-memory store")
		return room.NewManager(), message.NewStore(), func() {}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return room.NewRedisDirectory(rdb), message.NewRedisStore(rdb), func() { rdb.Close() }, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return store, store, func() { store.Close() }, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := postgres.Open(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		logger.Info("connected to postgres")
		return store, store, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
