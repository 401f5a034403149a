package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaultsFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, https://b.test")
	t.Setenv("LOG_TIMEOUT", "250ms")

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, "sqlite", cfg.DBDriver)

	sc := cfg.serverConfig()
	assert.Equal(t, []string{"http://a.test", "https://b.test"}, sc.AllowedOrigins)
	assert.Equal(t, 250*time.Millisecond, sc.LogTimeout)
	assert.Equal(t, 5, sc.RateLimit.Burst)
	assert.Equal(t, int64(5<<20), sc.MaxAttachmentSize)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{JWTSecret: "short", DBDriver: "sqlite"}
	assert.ErrorContains(t, cfg.validate(), "JWT_SECRET")

	cfg = Config{JWTSecret: "0123456789abcdef", DBDriver: "mysql"}
	assert.ErrorContains(t, cfg.validate(), "DB_DRIVER")

	cfg.DBDriver = "pgx"
	assert.NoError(t, cfg.validate())
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	debug := newLogger("debug", "json")
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	fallback := newLogger("nonsense", "text")
	assert.False(t, fallback.Enabled(ctx, slog.LevelDebug))
	assert.True(t, fallback.Enabled(ctx, slog.LevelInfo))
}
