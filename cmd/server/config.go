package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Tyrowin/livechat/internal/server"
	"github.com/Tyrowin/livechat/internal/store"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	Port                    string        `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE,default=8388608"`
	MaxAttachmentSize       int64         `env:"MAX_ATTACHMENT_SIZE,default=5242880"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`

	JWTSecret string        `env:"JWT_SECRET,required=true"`
	TokenTTL  time.Duration `env:"TOKEN_TTL,default=1h"`

	DBDriver      string `env:"DB_DRIVER,default=sqlite"`
	DatabaseURL   string `env:"DATABASE_URL,default=data/livechat.db"`
	BlobDir       string `env:"BLOB_DIR,default=data/blobs"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL,default=http://localhost:8080"`

	BlobTimeout       time.Duration `env:"BLOB_TIMEOUT,default=10s"`
	LogTimeout        time.Duration `env:"LOG_TIMEOUT,default=10s"`
	CredentialTimeout time.Duration `env:"CREDENTIAL_TIMEOUT,default=5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

func (c Config) validate() error {
	if len(c.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be at least 16 bytes")
	}
	switch c.DBDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", store.DriverSQLite, store.DriverPostgres, c.DBDriver)
	}
	return nil
}

func (c Config) serverConfig() server.Config {
	cfg := server.NewConfig()
	cfg.Port = c.Port
	cfg.AllowedOrigins = server.ParseOrigins(c.AllowedOrigins)
	cfg.MaxMessageSize = c.MaxMessageSize
	cfg.MaxAttachmentSize = c.MaxAttachmentSize
	cfg.RateLimit = server.RateLimitConfig{
		Burst:          c.RateLimitBurst,
		RefillInterval: c.RateLimitRefillInterval,
	}
	cfg.BlobTimeout = c.BlobTimeout
	cfg.LogTimeout = c.LogTimeout
	cfg.CredentialTimeout = c.CredentialTimeout
	return *cfg
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
