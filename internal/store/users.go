package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/livechat/internal/chat"
)

// Create registers username with a bcrypt hash of password.
func (s *Store) Create(ctx context.Context, username, password string) (chat.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return chat.Identity{}, fmt.Errorf("%w: username and password are required", chat.ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("hashing password: %w", err)
	}

	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING`),
		id, username, string(hash), s.now().UTC().UnixNano(),
	)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("inserting user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return chat.Identity{}, fmt.Errorf("inserting user: %w", err)
	}
	if n == 0 {
		return chat.Identity{}, fmt.Errorf("%w: %s", chat.ErrAlreadyExists, username)
	}

	s.logger.Info("user registered", "identity_id", id, "username", username)
	return chat.Identity{ID: id, DisplayName: username}, nil
}

// Verify checks password against the stored hash for username.
func (s *Store) Verify(ctx context.Context, username, password string) (chat.Identity, error) {
	var (
		ident chat.Identity
		hash  string
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, username, password_hash FROM users WHERE username = ?`),
		strings.TrimSpace(username),
	).Scan(&ident.ID, &ident.DisplayName, &hash)
	if isNoRows(err) {
		// Keep the response time of unknown users close to that of known ones.
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return chat.Identity{}, chat.ErrBadCredentials
	}
	if err != nil {
		return chat.Identity{}, fmt.Errorf("querying user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return chat.Identity{}, chat.ErrBadCredentials
	}
	return ident, nil
}

// Lookup returns the identity registered under id.
func (s *Store) Lookup(ctx context.Context, id string) (chat.Identity, error) {
	var ident chat.Identity
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, username FROM users WHERE id = ?`), id,
	).Scan(&ident.ID, &ident.DisplayName)
	if isNoRows(err) {
		return chat.Identity{}, fmt.Errorf("%w: unknown identity %s", chat.ErrBadCredentials, id)
	}
	if err != nil {
		return chat.Identity{}, fmt.Errorf("querying user: %w", err)
	}
	return ident, nil
}
