package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// frameHandler processes the frames read from one connection. HandleFrame
// is called from the connection's read goroutine, one frame at a time.
type frameHandler interface {
	HandleFrame(ctx context.Context, c *Client, raw []byte)
	Disconnect(c *Client)
}

// Client is one admitted transport session. Its send queue is written only
// by the hub and drained by the write pump.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	handler        frameHandler
	addr           string
	state          atomic.Int32
	maxMessageSize int64
	limiter        *frameLimiter
	rateLimit      RateLimitConfig
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewClient creates a Client in the Connecting state. conn may be nil, in
// which case no pumps are started on admission and frames are read from
// GetSendChan directly.
func NewClient(conn *websocket.Conn, handler frameHandler, addr string, cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		handler:        handler,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newFrameLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With("component", "client", "conn_id", id, "remote_addr", addr),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.setState(chat.StateConnecting)
	return c
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// State returns the connection's lifecycle state.
func (c *Client) State() chat.ConnState {
	return chat.ConnState(c.state.Load())
}

func (c *Client) setState(s chat.ConnState) {
	c.state.Store(int32(s))
}

// GetSendChan returns the client's outgoing frame queue.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) closeSend() {
	close(c.send)
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", "error", err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError logs why the read loop stopped.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding frame",
			"burst", c.rateLimit.Burst, "refill_interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// dispatch hands one frame to the handler. A panic is contained to this
// connection and reported as false.
func (c *Client) dispatch(raw []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling frame; closing connection",
				"panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()

	c.handler.HandleFrame(c.ctx, c, raw)
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.handler.Disconnect(c)
		c.closeConn()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.dispatch(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// handleMessage writes one queued frame, or the close frame once the hub
// has closed the queue.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error writing close message", "error", err)
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping message", "error", err)
		}
		return false
	}
	return true
}

// isExpectedCloseError reports whether err is a normal result of a
// connection being torn down.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
