package chat

import "time"

// Identity is a registered user as seen by the core. It is created by the
// CredentialStore and never modified here.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Attachment references a stored blob. It is owned by the Message it is
// attached to.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Upload is an attachment payload that has not been stored yet.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a persisted chat message. ID and CreatedAt are assigned by the
// MessageLog; Text is nil only when Attachment is set.
type Message struct {
	ID         int64       `json:"id"`
	Sender     Identity    `json:"sender"`
	Text       *string     `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ConnState is the lifecycle state of a single transport session.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateUnauthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
