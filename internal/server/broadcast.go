package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/livechat/internal/chat"
)

// SendRequest is the content of one send from an authenticated connection.
type SendRequest struct {
	Text       *string
	Attachment *chat.Upload
}

// Broadcaster persists messages and hands them to the hub for delivery.
type Broadcaster struct {
	hub           *Hub
	blobs         chat.BlobStore
	messages      chat.MessageLog
	blobTimeout   time.Duration
	logTimeout    time.Duration
	maxAttachment int64
	logger        *slog.Logger

	// sequencer spans append and deliver so that log order and broadcast
	// order agree.
	sequencer sync.Mutex
}

// NewBroadcaster creates a Broadcaster. blobs may be nil, in which case
// every send carrying an attachment fails with ErrBlobUnavailable.
func NewBroadcaster(hub *Hub, blobs chat.BlobStore, messages chat.MessageLog, cfg Config, logger *slog.Logger) *Broadcaster {
	cfg = cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		hub:           hub,
		blobs:         blobs,
		messages:      messages,
		blobTimeout:   cfg.BlobTimeout,
		logTimeout:    cfg.LogTimeout,
		maxAttachment: cfg.MaxAttachmentSize,
		logger:        logger.With("component", "broadcast"),
	}
}

// Send stores the attachment, appends the message to the log and delivers
// it to every active connection, the sender included. The sender must be
// Active before the content is looked at. A failure at any step leaves the
// later steps undone.
func (b *Broadcaster) Send(ctx context.Context, connID string, req SendRequest) (chat.Message, error) {
	sender, err := b.hub.Resolve(ctx, connID)
	if err != nil {
		return chat.Message{}, err
	}

	text := normalizeText(req.Text)
	if text == nil && req.Attachment == nil {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	if req.Attachment != nil {
		if err := b.checkUpload(*req.Attachment); err != nil {
			return chat.Message{}, err
		}
	}

	var attachment *chat.Attachment
	if req.Attachment != nil {
		att, err := b.storeAttachment(ctx, *req.Attachment)
		if err != nil {
			b.logger.Warn("attachment rejected", "conn_id", connID, "identity_id", sender.ID, "error", err)
			return chat.Message{}, err
		}
		attachment = &att
	}

	b.sequencer.Lock()
	defer b.sequencer.Unlock()

	msg, err := b.appendMessage(ctx, sender.ID, text, attachment)
	if err != nil {
		b.logger.Warn("message not persisted", "conn_id", connID, "identity_id", sender.ID, "error", err)
		return chat.Message{}, err
	}
	msg.Sender = sender

	// The message is durable at this point; delivery must not be abandoned
	// because the sender went away.
	seq, recipients, err := b.hub.Deliver(context.WithoutCancel(ctx), msg)
	if err != nil {
		return msg, fmt.Errorf("delivering message %d: %w", msg.ID, err)
	}

	b.logger.Debug("message broadcast", "message_id", msg.ID, "seq", seq, "recipients", recipients)
	return msg, nil
}

func (b *Broadcaster) checkUpload(upload chat.Upload) error {
	if len(upload.Data) == 0 {
		return fmt.Errorf("%w: empty attachment", chat.ErrInvalidRequest)
	}
	if int64(len(upload.Data)) > b.maxAttachment {
		return fmt.Errorf("%w: attachment exceeds %d bytes", chat.ErrInvalidRequest, b.maxAttachment)
	}
	return nil
}

func (b *Broadcaster) storeAttachment(ctx context.Context, upload chat.Upload) (chat.Attachment, error) {
	if b.blobs == nil {
		return chat.Attachment{}, &chat.StorageError{Op: "blob.store", Kind: chat.ErrBlobUnavailable}
	}

	ctx, cancel := context.WithTimeout(ctx, b.blobTimeout)
	defer cancel()

	att, err := b.blobs.Store(ctx, upload)
	if err != nil {
		return chat.Attachment{}, storageError("blob.store", chat.ErrBlobUnavailable, err)
	}
	return att, nil
}

func (b *Broadcaster) appendMessage(ctx context.Context, senderID string, text *string, att *chat.Attachment) (chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, b.logTimeout)
	defer cancel()

	msg, err := b.messages.Append(ctx, senderID, text, att)
	if err != nil {
		return chat.Message{}, storageError("log.append", chat.ErrLogUnavailable, err)
	}
	return msg, nil
}

// storageError wraps a failed store call. Deadline expiry is reported as
// ErrStorageTimeout regardless of the store.
func storageError(op string, kind, err error) error {
	var se *chat.StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = chat.ErrStorageTimeout
	}
	return &chat.StorageError{Op: op, Kind: kind, Err: err}
}
