// Package session reads the signed-in user's bearer credential from the local
// store and derives their identity from its claims.
//
// The client cannot verify the signature (the backend holds the key); it only
// decodes the claims to learn who the user is and when the credential expires.
// The backend rejects forged or stale tokens with 401, which the channel and
// REST client surface as ErrAuthFailure.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/pkg/tokenstore"
)

// Claims is the payload of the backend-issued credential.
type Claims struct {
	UserID string      `json:"user_id"`
	Name   string      `json:"name"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is who the credential belongs to.
type Identity struct {
	Self      models.Participant
	ExpiresAt time.Time // zero when the token carries no exp
}

// ParseIdentity decodes raw without verifying its signature.
func ParseIdentity(raw string) (Identity, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed credential: %v", perrors.ErrValidation, err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: credential has no subject", perrors.ErrValidation)
	}
	if !claims.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: credential role %q is not one of %s, %s",
			perrors.ErrValidation, claims.Role, models.RoleOperator, models.RoleEndUser)
	}

	ident := Identity{
		Self: models.Participant{
			ID:          id,
			DisplayName: claims.Name,
			Role:        claims.Role,
			Initials:    models.Initials(claims.Name),
		},
	}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time
	}
	return ident, nil
}

// Session is the persisted login of the local user.
type Session struct {
	store  tokenstore.Store
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Session backed by store.
func New(store tokenstore.Store, logger zerolog.Logger) *Session {
	return &Session{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// SetClock replaces the time source (for testing).
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

// Save validates raw and stores it until its expiry.
func (s *Session) Save(ctx context.Context, raw string) (Identity, error) {
	ident, err := ParseIdentity(raw)
	if err != nil {
		return Identity{}, err
	}

	var ttl time.Duration
	if !ident.ExpiresAt.IsZero() {
		ttl = ident.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return Identity{}, fmt.Errorf("%w: credential expired at %s", perrors.ErrAuthRequired, ident.ExpiresAt.Format(time.RFC3339))
		}
	}
	if err := s.store.Set(ctx, tokenstore.SessionKey, raw, ttl); err != nil {
		return Identity{}, fmt.Errorf("saving credential: %w", err)
	}

	s.logger.Info().
		Str("user_id", ident.Self.ID).
		Str("role", string(ident.Self.Role)).
		Msg("credential saved")
	return ident, nil
}

// Credential returns the stored bearer credential. A missing or expired one
// yields ErrAuthRequired.
func (s *Session) Credential(ctx context.Context) (string, error) {
	tok, err := s.store.Get(ctx, tokenstore.SessionKey)
	switch {
	case errors.Is(err, tokenstore.ErrTokenNotFound):
		return "", fmt.Errorf("%w: no stored credential", perrors.ErrAuthRequired)
	case errors.Is(err, tokenstore.ErrTokenExpired):
		return "", fmt.Errorf("%w: stored credential expired", perrors.ErrAuthRequired)
	case err != nil:
		return "", fmt.Errorf("reading credential: %w", err)
	}
	return tok.Value, nil
}

// Identity returns the stored credential and the identity it names.
func (s *Session) Identity(ctx context.Context) (string, Identity, error) {
	raw, err := s.Credential(ctx)
	if err != nil {
		return "", Identity{}, err
	}
	ident, err := ParseIdentity(raw)
	if err != nil {
		return "", Identity{}, fmt.Errorf("%w: stored credential unusable: %v", perrors.ErrAuthRequired, err)
	}
	return raw, ident, nil
}

// Clear forgets the stored credential.
func (s *Session) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, tokenstore.SessionKey)
}

// Apply sets the bearer header on req. Without a credential no request may be
// sent, so the error is returned before anything reaches the network.
func (s *Session) Apply(req *http.Request) error {
	raw, err := s.Credential(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+raw)
	return nil
}
