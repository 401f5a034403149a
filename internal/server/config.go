package server

import (
	"strings"
	"time"
)

const (
	defaultPort              = ":8080"
	defaultMaxMessageSize    = 8 << 20
	defaultMaxAttachmentSize = 5 << 20
	defaultSendBufferSize    = 256
	defaultBurst             = 5
	defaultRefillInterval    = time.Second
	defaultStorageTimeout    = 10 * time.Second
	defaultCredentialTimeout = 5 * time.Second
	defaultHistoryLimit      = 50
	maxHistoryLimit          = 200
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls
// and the time budgets of external store calls.
type Config struct {
	Port              string
	AllowedOrigins    []string
	MaxMessageSize    int64
	MaxAttachmentSize int64
	SendBufferSize    int
	RateLimit         RateLimitConfig
	BlobTimeout       time.Duration
	LogTimeout        time.Duration
	CredentialTimeout time.Duration
	HistoryLimit      int
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:    defaultMaxMessageSize,
		MaxAttachmentSize: defaultMaxAttachmentSize,
		SendBufferSize:    defaultSendBufferSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		BlobTimeout:       defaultStorageTimeout,
		LogTimeout:        defaultStorageTimeout,
		CredentialTimeout: defaultCredentialTimeout,
		HistoryLimit:      defaultHistoryLimit,
	}
}

// sanitize replaces zero or invalid values with defaults and returns a copy
// that shares no slices with cfg.
func (cfg Config) sanitize() Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MaxAttachmentSize <= 0 {
		cfg.MaxAttachmentSize = defaultMaxAttachmentSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}
	if cfg.BlobTimeout <= 0 {
		cfg.BlobTimeout = defaultStorageTimeout
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = defaultStorageTimeout
	}
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = defaultCredentialTimeout
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > maxHistoryLimit {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
