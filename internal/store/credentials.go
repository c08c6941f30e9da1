package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/p-blackswan/verichat/pkg/tokenstore"
)

var _ tokenstore.Store = (*Store)(nil)

// Set stores a credential. A ttl <= 0 stores it without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO credentials (key, value, saved_at, expires_at)
	VALUES (?, ?, ?, ?)
	`, key, value, now.UnixMilli(), toMillis(tokenstore.Expiry(now, ttl)))
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Get returns the credential stored under key.
func (s *Store) Get(ctx context.Context, key string) (*tokenstore.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	var savedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, saved_at, expires_at FROM credentials WHERE key = ?`, key,
	).Scan(&value, &savedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokenstore.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	tok := &tokenstore.Token{
		Key:       key,
		Value:     value,
		SavedAt:   time.UnixMilli(savedAt),
		ExpiresAt: fromMillis(expiresAt),
	}
	if tok.ExpiredAt(s.now()) {
		return nil, tokenstore.ErrTokenExpired
	}
	return tok, nil
}

// Delete removes a credential. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Cleanup removes expired credentials and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed credentials: %w", err)
	}
	if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("expired credentials removed")
	}
	return int(n), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
