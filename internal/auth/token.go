// Package auth issues and verifies the signed session tokens that bind a
// connection to an identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/livechat/internal/chat"
)

const (
	// DefaultTTL is the lifetime of an issued token.
	DefaultTTL = time.Hour
	issuer     = "livechat"
)

// Claims is the payload carried inside a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// Codec creates and validates HS256 session tokens. It holds no state beyond
// the signing secret, the token lifetime and a clock.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec returns a codec signing with secret. A non-positive ttl falls
// back to DefaultTTL.
func NewCodec(secret []byte, ttl time.Duration) *Codec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// TTL reports the lifetime of issued tokens.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue creates a token for identityID valid for the codec's TTL.
func (c *Codec) Issue(identityID string) (string, error) {
	if identityID == "" {
		return "", fmt.Errorf("%w: empty identity", chat.ErrMalformedToken)
	}
	now := c.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify validates tokenString and returns the identity id it was issued
// for. The signature is checked before expiry, so a forged expired token
// fails with chat.ErrBadSignature.
func (c *Codec) Verify(tokenString string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return "", classify(err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", chat.ErrMalformedToken)
	}
	return claims.Subject, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", chat.ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", chat.ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return chat.ErrExpiredToken
	default:
		return fmt.Errorf("%w: %v", chat.ErrMalformedToken, err)
	}
}
