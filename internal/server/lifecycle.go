package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/chat"
)

// TokenVerifier resolves a session token to an identity id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Lifecycle drives each connection through Connecting, Unauthenticated,
// Active and Closed, and turns client frames into core operations.
type Lifecycle struct {
	hub               *Hub
	tokens            TokenVerifier
	creds             chat.CredentialStore
	engine            *Broadcaster
	validate          *validator.Validate
	cfg               Config
	credentialTimeout time.Duration
	logger            *slog.Logger
}

// NewLifecycle wires a Lifecycle to its collaborators.
func NewLifecycle(hub *Hub, tokens TokenVerifier, creds chat.CredentialStore, engine *Broadcaster, cfg Config, logger *slog.Logger) *Lifecycle {
	cfg = cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		hub:               hub,
		tokens:            tokens,
		creds:             creds,
		engine:            engine,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
		cfg:               cfg,
		credentialTimeout: cfg.CredentialTimeout,
		logger:            logger.With("component", "lifecycle"),
	}
}

// Connect admits a new transport session. With a non-nil conn the client's
// pumps start immediately.
func (l *Lifecycle) Connect(ctx context.Context, conn *websocket.Conn, addr string) (*Client, error) {
	c := NewClient(conn, l, addr, l.cfg, l.logger)
	if err := l.hub.Admit(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Authenticate verifies token and binds the connection to its identity. The
// outcome is reported to the connection as an auth_result frame; a failure
// leaves the connection open and in its previous state.
func (l *Lifecycle) Authenticate(ctx context.Context, c *Client, token string) (chat.Identity, error) {
	ident, err := l.authenticate(ctx, c, token)
	if err != nil {
		l.logger.Info("authentication failed", "conn_id", c.id, "reason", chat.Reason(err))
		l.reply(c, AuthResult{Type: FrameAuthResult, Success: false, Reason: chat.Reason(err)})
		return chat.Identity{}, err
	}
	return ident, nil
}

func (l *Lifecycle) authenticate(ctx context.Context, c *Client, token string) (chat.Identity, error) {
	if c.State() == chat.StateClosed {
		return chat.Identity{}, chat.ErrConnectionClosed
	}

	identityID, err := l.tokens.Verify(token)
	if err != nil {
		return chat.Identity{}, err
	}

	ident, err := l.lookup(ctx, identityID)
	if err != nil {
		return chat.Identity{}, err
	}

	ack := encode(AuthResult{Type: FrameAuthResult, Success: true, Identity: &ident})
	result, err := l.hub.Bind(ctx, c.id, ident, ack)
	if err != nil {
		return chat.Identity{}, err
	}

	l.logger.Info("connection authenticated",
		"conn_id", c.id, "identity_id", ident.ID,
		"presence_changed", result.Changed, "evicted", result.Evicted)
	return ident, nil
}

func (l *Lifecycle) lookup(ctx context.Context, identityID string) (chat.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, l.credentialTimeout)
	defer cancel()

	ident, err := l.creds.Lookup(ctx, identityID)
	switch {
	case err == nil:
		return ident, nil
	case errors.Is(err, chat.ErrBadCredentials):
		return chat.Identity{}, err
	default:
		return chat.Identity{}, storageError("credentials.lookup", chat.ErrCredentialsUnavailable, err)
	}
}

// Send forwards req to the broadcast engine. Connections that are not
// Active are rejected without reaching it. Failures are reported to the
// sender as send_rejected.
func (l *Lifecycle) Send(ctx context.Context, c *Client, ref string, req SendRequest) (chat.Message, error) {
	var (
		msg chat.Message
		err error
	)
	if c.State() != chat.StateActive {
		err = chat.ErrNotAuthenticated
	} else {
		msg, err = l.engine.Send(ctx, c.id, req)
	}

	if err != nil && msg.ID == 0 {
		l.reply(c, SendRejected{
			Type:   FrameSendRejected,
			Ref:    ref,
			Reason: chat.Reason(err),
			Error:  describe(err),
		})
		return chat.Message{}, err
	}
	if err != nil {
		l.logger.Error("message persisted but not delivered", "conn_id", c.id, "message_id", msg.ID, "error", err)
	}
	return msg, err
}

// Disconnect unbinds the connection. It runs once per connection, from the
// read pump; extra calls are no-ops.
func (l *Lifecycle) Disconnect(c *Client) {
	if err := l.hub.Unbind(context.Background(), c.id); err != nil {
		l.logger.Debug("unbind after hub shutdown", "conn_id", c.id, "error", err)
	}
}

// HandleFrame decodes and dispatches one client frame.
func (l *Lifecycle) HandleFrame(ctx context.Context, c *Client, raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug("invalid frame", "error", err)
		l.reply(c, ErrorFrame{Type: FrameError, Reason: chat.Reason(chat.ErrInvalidRequest), Error: "malformed frame"})
		return
	}

	if err := l.validate.Struct(frame); err != nil {
		c.logger.Debug("frame failed validation", "type", frame.Type, "error", err)
		if frame.Type == FrameSend {
			l.reply(c, SendRejected{Type: FrameSendRejected, Ref: frame.Ref, Reason: chat.Reason(chat.ErrInvalidRequest), Error: err.Error()})
			return
		}
		l.reply(c, ErrorFrame{Type: FrameError, Reason: chat.Reason(chat.ErrInvalidRequest), Error: err.Error()})
		return
	}

	switch frame.Type {
	case FrameAuthenticate:
		_, _ = l.Authenticate(ctx, c, frame.Token)
	case FrameSend:
		_, _ = l.Send(ctx, c, frame.Ref, frame.sendRequest())
	}
}

func (l *Lifecycle) reply(c *Client, v any) {
	if err := l.hub.Unicast(context.Background(), c.id, encode(v)); err != nil {
		l.logger.Debug("reply not queued", "conn_id", c.id, "error", err)
	}
}

func (f ClientFrame) sendRequest() SendRequest {
	req := SendRequest{Text: f.Text}
	if f.Attachment != nil {
		req.Attachment = &chat.Upload{
			Filename:    f.Attachment.Filename,
			ContentType: f.Attachment.ContentType,
			Data:        f.Attachment.Data,
		}
	}
	return req
}

// describe renders err for a client without exposing store internals.
func describe(err error) string {
	var se *chat.StorageError
	if errors.As(err, &se) {
		return se.Kind.Error()
	}
	if chat.Reason(err) == "internal" {
		return "internal error"
	}
	return err.Error()
}
