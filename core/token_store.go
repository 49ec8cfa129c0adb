package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AccessTokenKey is the storage key of the bearer token.
const AccessTokenKey = "@trip-pocket:accessToken"

// TokenStore persists the bearer token across restarts.
type TokenStore interface {
	// Token returns ErrNoToken when nothing is stored.
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	DeleteToken(ctx context.Context) error
}

// SQLiteTokenStore keeps the token in the kv table.
type SQLiteTokenStore struct {
	db *sql.DB
}

func NewSQLiteTokenStore(db *sql.DB) *SQLiteTokenStore {
	return &SQLiteTokenStore{db: db}
}

func (s *SQLiteTokenStore) Token(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", AccessTokenKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

func (s *SQLiteTokenStore) SetToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		AccessTokenKey, token)
	if err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

func (s *SQLiteTokenStore) DeleteToken(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", AccessTokenKey); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
