//go:generate go run go.uber.org/mock/mockgen -source=stores.go -destination=mocks/mock_stores.go -package=mocks
package chat

import "context"

// CredentialStore verifies and creates user credentials.
type CredentialStore interface {
	// Verify returns the identity for username if password matches, or
	// ErrBadCredentials.
	Verify(ctx context.Context, username, password string) (Identity, error)
	// Create registers a new identity, or fails with ErrAlreadyExists.
	Create(ctx context.Context, username, password string) (Identity, error)
	// Lookup returns a registered identity by id, or ErrBadCredentials when
	// it no longer exists.
	Lookup(ctx context.Context, id string) (Identity, error)
}

// BlobStore stores attachment payloads and returns a retrievable reference.
// Implementations must never overwrite an existing object.
type BlobStore interface {
	Store(ctx context.Context, upload Upload) (Attachment, error)
}

// MessageLog is the durable, append-only message history.
type MessageLog interface {
	// Append persists a message and assigns its id and timestamp.
	Append(ctx context.Context, senderID string, text *string, attachment *Attachment) (Message, error)
	// Recent returns up to limit messages, oldest first, skipping the
	// offset most recent ones.
	Recent(ctx context.Context, limit, offset int) ([]Message, error)
}
