package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds every setting of the server. Fields carry no envDefault so
// that an unset variable leaves the YAML or built-in value in place.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" yaml:"listen_addr"`

	JWTSecret string        `env:"JWT_SECRET" yaml:"jwt_secret"`
	JWTIssuer string        `env:"JWT_ISSUER" yaml:"jwt_issuer"`
	JWTTTL    time.Duration `env:"JWT_TTL" yaml:"jwt_ttl"`

	StoreBackend  string `env:"STORE_BACKEND" yaml:"store_backend"`
	RedisAddr     string `env:"REDIS_ADDR" yaml:"redis_addr"`
	RedisPassword string `env:"REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `env:"REDIS_DB" yaml:"redis_db"`
	DatabaseURL   string `env:"DATABASE_URL" yaml:"database_url"`
	SQLitePath    string `env:"SQLITE_PATH" yaml:"sqlite_path"`

	MaxConns         int           `env:"MAX_CONNS" yaml:"max_conns"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" yaml:"idle_timeout"`
	OpTimeout        time.Duration `env:"OP_TIMEOUT" yaml:"op_timeout"`
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" yaml:"max_message_length"`

	MessageRate         int           `env:"MESSAGE_RATE" yaml:"message_rate"`
	MessageRateWindow   time.Duration `env:"MESSAGE_RATE_WINDOW" yaml:"message_rate_window"`
	HandshakeRate       int           `env:"HANDSHAKE_RATE" yaml:"handshake_rate"`
	HandshakeRateWindow time.Duration `env:"HANDSHAKE_RATE_WINDOW" yaml:"handshake_rate_window"`
	AllowedOrigins      []string      `env:"ALLOWED_ORIGINS" envSeparator:"," yaml:"allowed_origins"`

	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		JWTTTL:              3 * time.Hour,
		StoreBackend:        BackendMemory,
		SQLitePath:          "pairchat.db",
		OpTimeout:           5 * time.Second,
		MaxMessageLength:    2000,
		MessageRate:         20,
		MessageRateWindow:   10 * time.Second,
		HandshakeRate:       30,
		HandshakeRateWindow: time.Minute,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load reads an optional .env file, then builds the configuration from
// defaults, the YAML file named by CONFIG_FILE, and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse(os.Getenv("CONFIG_FILE"), nil)
}

// Parse builds a configuration from defaults, the YAML file at path (if
// any) and environment. A nil environment means the process environment.
func Parse(path string, environment map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid)
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis backend", ErrInvalid)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: SQLITE_PATH is required for the sqlite backend", ErrInvalid)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrInvalid, c.StoreBackend)
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("%w: JWT_TTL must be positive", ErrInvalid)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("%w: OP_TIMEOUT must be positive", ErrInvalid)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("%w: MAX_MESSAGE_LENGTH must be positive", ErrInvalid)
	}
	if c.MaxConns < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("%w: MAX_CONNS and IDLE_TIMEOUT must not be negative", ErrInvalid)
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(c *Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalid, err)
	}

	var zc zap.Config
	switch c.LogFormat {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("%w: unknown LOG_FORMAT %q", ErrInvalid, c.LogFormat)
	}
	zc.Level = level
	return zc.Build()
}

func trimAll(values []string) []string {
	return lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	}))
}
