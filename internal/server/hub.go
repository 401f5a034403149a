package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/livechat/internal/chat"
)

// Hub owns every admitted connection and the presence registry. All of its
// state is touched only by the goroutine running Run; other goroutines talk
// to it through request channels and wait for the reply.
type Hub struct {
	clients  map[string]*Client
	presence *registry
	seq      uint64

	admit      chan admitRequest
	bind       chan bindRequest
	unregister chan unbindRequest
	resolve    chan resolveRequest
	deliver    chan deliverRequest
	snapshot   chan snapshotRequest
	unicast    chan unicastRequest

	logger *slog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// BindResult describes the effect of a successful Bind.
type BindResult struct {
	// Changed reports whether the online set changed.
	Changed bool
	// Evicted is the connection that lost the identity to this bind, if any.
	Evicted string
}

type admitRequest struct {
	client *Client
	reply  chan error
}

type bindRequest struct {
	connID   string
	identity chat.Identity
	ack      []byte
	reply    chan bindReply
}

type bindReply struct {
	result BindResult
	err    error
}

type unbindRequest struct {
	connID string
	reply  chan struct{}
}

type resolveRequest struct {
	connID string
	reply  chan resolveReply
}

type resolveReply struct {
	identity chat.Identity
	err      error
}

type deliverRequest struct {
	message chat.Message
	reply   chan deliverReply
}

type deliverReply struct {
	seq        uint64
	recipients int
}

type snapshotRequest struct {
	reply chan []chat.Identity
}

type unicastRequest struct {
	connID  string
	payload []byte
	reply   chan error
}

// NewHub creates a Hub. Run must be started before any request is made.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		presence:   newRegistry(),
		admit:      make(chan admitRequest),
		bind:       make(chan bindRequest),
		unregister: make(chan unbindRequest),
		resolve:    make(chan resolveRequest),
		deliver:    make(chan deliverRequest),
		snapshot:   make(chan snapshotRequest),
		unicast:    make(chan unicastRequest),
		logger:     logger.With("component", "hub"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// submit hands req to the hub loop. Once accepted, the loop always replies,
// so callers wait for the reply without watching ctx.
func submit[T any](ctx context.Context, h *Hub, ch chan<- T, req T) error {
	select {
	case ch <- req:
		return nil
	case <-h.ctx.Done():
		return chat.ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit registers a new connection in the Unauthenticated state and starts
// its pumps.
func (h *Hub) Admit(ctx context.Context, c *Client) error {
	req := admitRequest{client: c, reply: make(chan error, 1)}
	if err := submit(ctx, h, h.admit, req); err != nil {
		return err
	}
	return <-req.reply
}

// Bind makes connID the active connection of identity. ack, when not nil, is
// queued to connID before any presence update caused by the bind.
func (h *Hub) Bind(ctx context.Context, connID string, identity chat.Identity, ack []byte) (BindResult, error) {
	req := bindRequest{connID: connID, identity: identity, ack: ack, reply: make(chan bindReply, 1)}
	if err := submit(ctx, h, h.bind, req); err != nil {
		return BindResult{}, err
	}
	r := <-req.reply
	return r.result, r.err
}

// Unbind removes connID from the hub and from presence. It is idempotent.
func (h *Hub) Unbind(ctx context.Context, connID string) error {
	req := unbindRequest{connID: connID, reply: make(chan struct{}, 1)}
	if err := submit(ctx, h, h.unregister, req); err != nil {
		return err
	}
	<-req.reply
	return nil
}

// Resolve returns the identity bound to connID. It fails with
// ErrConnectionClosed for unknown connections and ErrNotAuthenticated for
// connections that are not Active.
func (h *Hub) Resolve(ctx context.Context, connID string) (chat.Identity, error) {
	req := resolveRequest{connID: connID, reply: make(chan resolveReply, 1)}
	if err := submit(ctx, h, h.resolve, req); err != nil {
		return chat.Identity{}, err
	}
	r := <-req.reply
	return r.identity, r.err
}

// Deliver assigns msg the next broadcast sequence number and queues it to
// every active connection in the same step.
func (h *Hub) Deliver(ctx context.Context, msg chat.Message) (seq uint64, recipients int, err error) {
	req := deliverRequest{message: msg, reply: make(chan deliverReply, 1)}
	if err := submit(ctx, h, h.deliver, req); err != nil {
		return 0, 0, err
	}
	r := <-req.reply
	return r.seq, r.recipients, nil
}

// Snapshot returns the online identities.
func (h *Hub) Snapshot(ctx context.Context) ([]chat.Identity, error) {
	req := snapshotRequest{reply: make(chan []chat.Identity, 1)}
	if err := submit(ctx, h, h.snapshot, req); err != nil {
		return nil, err
	}
	return <-req.reply, nil
}

// Unicast queues payload to a single admitted connection regardless of its
// state.
func (h *Hub) Unicast(ctx context.Context, connID string, payload []byte) error {
	req := unicastRequest{connID: connID, payload: payload, reply: make(chan error, 1)}
	if err := submit(ctx, h, h.unicast, req); err != nil {
		return err
	}
	return <-req.reply
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case req := <-h.admit:
			req.reply <- h.handleAdmit(req.client)

		case req := <-h.bind:
			result, err := h.handleBind(req)
			req.reply <- bindReply{result: result, err: err}

		case req := <-h.unregister:
			h.handleUnbind(req.connID)
			req.reply <- struct{}{}

		case req := <-h.resolve:
			ident, err := h.handleResolve(req.connID)
			req.reply <- resolveReply{identity: ident, err: err}

		case req := <-h.deliver:
			seq, n := h.handleDeliver(req.message)
			req.reply <- deliverReply{seq: seq, recipients: n}

		case req := <-h.snapshot:
			req.reply <- h.presence.snapshot()

		case req := <-h.unicast:
			req.reply <- h.handleUnicast(req.connID, req.payload)
		}
	}
}

func (h *Hub) handleAdmit(c *Client) error {
	if c == nil {
		h.logger.Warn("received nil client registration; skipping")
		return chat.ErrInvalidRequest
	}
	if _, exists := h.clients[c.id]; exists {
		return chat.ErrInvalidRequest
	}

	h.clients[c.id] = c
	c.setState(chat.StateUnauthenticated)
	h.logger.Info("client admitted", "conn_id", c.id, "remote_addr", c.addr, "clients", len(h.clients))

	if c.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			c.writePump()
		}()
		go func() {
			defer h.wg.Done()
			c.readPump()
		}()
	}
	return nil
}

func (h *Hub) handleBind(req bindRequest) (BindResult, error) {
	c, ok := h.clients[req.connID]
	if !ok {
		return BindResult{}, chat.ErrConnectionClosed
	}

	evicted, changed := h.presence.bind(req.connID, req.identity)
	c.setState(chat.StateActive)

	var failed []*Client
	if req.ack != nil && !h.safeSend(c, req.ack) {
		failed = append(failed, c)
	}

	if evicted != "" {
		if old, ok := h.clients[evicted]; ok {
			old.setState(chat.StateUnauthenticated)
			h.logger.Info("session superseded", "conn_id", evicted, "identity_id", req.identity.ID, "by", req.connID)
			if !h.safeSend(old, supersededFrame) {
				failed = append(failed, old)
			}
		}
	}

	if changed {
		failed = append(failed, h.fanOut(h.presenceFrame())...)
	}
	h.dropClients(failed)

	return BindResult{Changed: changed, Evicted: evicted}, nil
}

func (h *Hub) handleUnbind(connID string) {
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	delete(h.clients, connID)
	c.setState(chat.StateClosed)
	c.closeSend()

	ident, wasActive := h.presence.unbind(connID)
	h.logger.Info("client unregistered", "conn_id", connID, "remote_addr", c.addr, "clients", len(h.clients))

	if wasActive {
		h.logger.Debug("identity went offline", "identity_id", ident.ID)
		h.dropClients(h.fanOut(h.presenceFrame()))
	}
}

func (h *Hub) handleResolve(connID string) (chat.Identity, error) {
	if _, ok := h.clients[connID]; !ok {
		return chat.Identity{}, chat.ErrConnectionClosed
	}
	ident, ok := h.presence.lookup(connID)
	if !ok {
		return chat.Identity{}, chat.ErrNotAuthenticated
	}
	return ident, nil
}

func (h *Hub) handleDeliver(msg chat.Message) (uint64, int) {
	h.seq++
	payload := encode(MessageDelivered{Type: FrameMessage, Message: toWireMessage(msg, h.seq)})

	recipients := h.presence.size()
	failed := h.fanOut(payload)
	h.logger.Debug("message delivered", "message_id", msg.ID, "seq", h.seq, "recipients", recipients-len(failed))
	h.dropClients(failed)

	return h.seq, recipients - len(failed)
}

func (h *Hub) handleUnicast(connID string, payload []byte) error {
	c, ok := h.clients[connID]
	if !ok {
		return chat.ErrConnectionClosed
	}
	if !h.safeSend(c, payload) {
		h.dropClients([]*Client{c})
		return chat.ErrConnectionClosed
	}
	return nil
}

func (h *Hub) presenceFrame() []byte {
	return encode(PresenceChanged{Type: FramePresence, Users: h.presence.snapshot()})
}

// fanOut queues payload to every active connection and returns those whose
// queue was full.
func (h *Hub) fanOut(payload []byte) []*Client {
	var failed []*Client
	for _, connID := range h.presence.connIDs() {
		c, ok := h.clients[connID]
		if !ok {
			continue
		}
		if !h.safeSend(c, payload) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (h *Hub) safeSend(c *Client, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in safeSend", "conn_id", c.id, "panic", r)
			ok = false
		}
	}()

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// dropClients removes slow consumers. Removing an active one changes
// presence, and that broadcast may overflow further queues, so it repeats
// until no connection fails.
func (h *Hub) dropClients(failed []*Client) {
	for len(failed) > 0 {
		presenceChanged := false
		for _, c := range failed {
			if _, exists := h.clients[c.id]; !exists {
				continue
			}
			delete(h.clients, c.id)
			c.setState(chat.StateClosed)
			c.closeSend()
			if _, wasActive := h.presence.unbind(c.id); wasActive {
				presenceChanged = true
			}
			h.logger.Warn("client removed due to full send buffer", "conn_id", c.id, "remote_addr", c.addr)
		}
		if !presenceChanged {
			return
		}
		failed = h.fanOut(h.presenceFrame())
	}
}

func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	for connID, c := range h.clients {
		delete(h.clients, connID)
		h.presence.unbind(connID)
		c.setState(chat.StateClosed)
		c.closeSend()
		c.closeConn()
	}
}

// Shutdown stops the hub, closes every connection and waits for the pumps
// to exit, or until timeout. The timeout also bounds the wait for Run, so a
// hub that was never started does not block its caller.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.logger.Warn("hub loop did not stop before the shutdown timeout; was Run started?")
		return context.DeadlineExceeded
	}

	pumps := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(pumps)
	}()

	select {
	case <-pumps:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-deadline.C:
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

var supersededFrame = encode(SessionSuperseded{
	Type:   FrameSessionSuperseded,
	Reason: "signed_in_elsewhere",
})
