package chat

import (
	"errors"
	"fmt"
)

// Authentication errors. They are always recoverable and only ever reported
// to the offending connection.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrExpiredToken     = errors.New("token expired")
	ErrBadSignature     = errors.New("bad token signature")
	ErrBadCredentials   = errors.New("bad credentials")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyExists    = errors.New("identity already exists")
)

// Validation errors.
var (
	ErrEmptyMessage   = errors.New("message has neither text nor attachment")
	ErrInvalidRequest = errors.New("invalid request")
)

// Storage error kinds, carried by *StorageError.
var (
	ErrBlobUnavailable = errors.New("blob store unavailable")
	ErrLogUnavailable  = errors.New("message log unavailable")
	ErrStorageTimeout  = errors.New("storage timeout")
)

// ErrCredentialsUnavailable is the storage kind used when the credential
// store cannot be reached while authenticating a connection.
var ErrCredentialsUnavailable = errors.New("credential store unavailable")

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("not found")

// Lifecycle errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrHubClosed        = errors.New("hub closed")
)

// StorageError reports a failed call into an external store. errors.Is
// matches both the Kind and the underlying cause.
type StorageError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns the wire reason code for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrBadCredentials):
		return "bad_credentials"
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrConnectionClosed):
		return "not_authenticated"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrStorageTimeout):
		return "timeout"
	case errors.Is(err, ErrBlobUnavailable):
		return "blob_unavailable"
	case errors.Is(err, ErrLogUnavailable):
		return "log_unavailable"
	case errors.Is(err, ErrCredentialsUnavailable):
		return "credentials_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// IsAuthError reports whether err belongs to the authentication family.
func IsAuthError(err error) bool {
	for _, target := range []error{
		ErrMalformedToken, ErrExpiredToken, ErrBadSignature,
		ErrBadCredentials, ErrNotAuthenticated,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
