package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/chat"
)

// TokenCodec issues and verifies session tokens.
type TokenCodec interface {
	TokenVerifier
	Issue(identityID string) (string, error)
}

// FileSource reads stored attachments back for the file route.
type FileSource interface {
	Open(key string) (contentType string, data []byte, err error)
}

// Dependencies are the external collaborators of a Server.
type Dependencies struct {
	Tokens      TokenCodec
	Credentials chat.CredentialStore
	Messages    chat.MessageLog
	// Blobs and Files are optional; without them attachments are refused
	// and the file route answers 404.
	Blobs  chat.BlobStore
	Files  FileSource
	Logger *slog.Logger
}

// Server is a chat server: one hub, the engine and lifecycle wired to it,
// and the HTTP handlers exposing them.
type Server struct {
	cfg       Config
	deps      Dependencies
	hub       *Hub
	engine    *Broadcaster
	lifecycle *Lifecycle
	origins   originPolicy
	upgrader  websocket.Upgrader
	validate  *validator.Validate
	logger    *slog.Logger
}

// New validates deps and builds a Server. Start must be called before
// connections are accepted.
func New(cfg Config, deps Dependencies) (*Server, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errors.New("server: token codec is required")
	case deps.Credentials == nil:
		return nil, errors.New("server: credential store is required")
	case deps.Messages == nil:
		return nil, errors.New("server: message log is required")
	}

	cfg = cfg.sanitize()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hub := NewHub(logger)
	engine := NewBroadcaster(hub, deps.Blobs, deps.Messages, cfg, logger)
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		hub:       hub,
		engine:    engine,
		lifecycle: NewLifecycle(hub, deps.Tokens, deps.Credentials, engine, cfg, logger),
		origins:   newOriginPolicy(cfg.AllowedOrigins, logger.With("component", "origin")),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("component", "http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s, nil
}

// Hub returns the server's coordinator.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Lifecycle returns the server's connection lifecycle controller.
func (s *Server) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// Start runs the hub in a separate goroutine.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info("hub started and ready to manage websocket connections")
}

// Shutdown closes every connection and waits for their pumps to exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
