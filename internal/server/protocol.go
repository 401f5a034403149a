package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/chat"
)

// Frame types.
const (
	FrameAuthenticate      = "authenticate"
	FrameSend              = "send"
	FrameAuthResult        = "auth_result"
	FramePresence          = "presence"
	FrameMessage           = "message"
	FrameSendRejected      = "send_rejected"
	FrameSessionSuperseded = "session_superseded"
	FrameError             = "error"
)

// ClientFrame is any frame sent by a client.
type ClientFrame struct {
	Type       string             `json:"type" validate:"required,oneof=authenticate send"`
	Token      string             `json:"token,omitempty" validate:"required_if=Type authenticate"`
	Ref        string             `json:"ref,omitempty" validate:"max=64"`
	Text       *string            `json:"text,omitempty"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// AttachmentPayload is an inline file; Data travels base64 encoded.
type AttachmentPayload struct {
	Filename    string `json:"filename" validate:"max=255"`
	ContentType string `json:"content_type" validate:"max=127"`
	Data        []byte `json:"data"`
}

// AuthResult answers an authenticate frame.
type AuthResult struct {
	Type     string         `json:"type"`
	Success  bool           `json:"success"`
	Reason   string         `json:"reason,omitempty"`
	Identity *chat.Identity `json:"identity,omitempty"`
}

// PresenceChanged carries the full online set.
type PresenceChanged struct {
	Type  string          `json:"type"`
	Users []chat.Identity `json:"users"`
}

// MessageDelivered carries one persisted message.
type MessageDelivered struct {
	Type    string      `json:"type"`
	Message WireMessage `json:"message"`
}

// WireMessage is the flattened message shape sent to clients. Seq is the
// broadcast position; every recipient observes increasing Seq values.
type WireMessage struct {
	ID         int64            `json:"id"`
	Seq        uint64           `json:"seq,omitempty"`
	SenderID   string           `json:"sender_id"`
	SenderName string           `json:"sender_name"`
	Text       *string          `json:"text,omitempty"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// SendRejected is unicast to a sender whose message was not accepted.
type SendRejected struct {
	Type   string `json:"type"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// SessionSuperseded tells a connection that a newer login took over its
// identity; it must authenticate again.
type SessionSuperseded struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorFrame reports an unparseable or invalid client frame.
type ErrorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

func toWireMessage(msg chat.Message, seq uint64) WireMessage {
	return WireMessage{
		ID:         msg.ID,
		Seq:        seq,
		SenderID:   msg.Sender.ID,
		SenderName: msg.Sender.DisplayName,
		Text:       msg.Text,
		Attachment: msg.Attachment,
		CreatedAt:  msg.CreatedAt,
	}
}

func historyPayload(msgs []chat.Message) []WireMessage {
	return lo.Map(msgs, func(m chat.Message, _ int) WireMessage {
		return toWireMessage(m, 0)
	})
}

// normalizeText trims text and maps blank text to nil.
func normalizeText(text *string) *string {
	if text == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*text)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unsupported values, which the frame types
		// above never contain.
		panic(err)
	}
	return b
}
