// Package tokenstore keeps the user's bearer credential between runs.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// SessionKey is the key the signed-in user's credential is stored under.
const SessionKey = "session"

// Token is a stored credential. A zero ExpiresAt never expires.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ExpiredAt reports whether the token is expired at now.
func (t *Token) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// IsExpired checks if the token has expired.
func (t *Token) IsExpired() bool {
	return t.ExpiredAt(time.Now())
}

// Store defines the token storage interface.
type Store interface {
	// Set stores a token under key. A ttl <= 0 stores it without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get retrieves a token by key. Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, key string) (*Token, error)
	// Delete removes a token by key.
	Delete(ctx context.Context, key string) error
	// Cleanup removes all expired tokens.
	Cleanup(ctx context.Context) (int, error)
}

// Expiry converts a ttl into an absolute expiry; ttl <= 0 yields the zero time.
func Expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
