package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRecord is a persisted approval token for one stage.
type TokenRecord struct {
	Host      string
	PaneID    string
	Stage     string
	Token     string
	ExpiresAt time.Time
}

// SaveToken persists a token for a stage key, replacing any existing one.
// At most one live token exists per (host, pane, stage).
func (s *Store) SaveToken(host, paneID, stage, token string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO approval_tokens (host, pane_id, stage, token, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host, pane_id, stage) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at`,
		host, paneID, stage, token, expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save token %s/%s/%s: %w", host, paneID, stage, err)
	}
	return nil
}

// Token returns the live token for a stage key, or nil if absent.
func (s *Store) Token(host, paneID, stage string) (*TokenRecord, error) {
	var (
		token   string
		expires int64
	)
	err := s.db.QueryRow(
		"SELECT token, expires_at FROM approval_tokens WHERE host = ? AND pane_id = ? AND stage = ?",
		host, paneID, stage,
	).Scan(&token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query token %s/%s/%s: %w", host, paneID, stage, err)
	}
	return &TokenRecord{
		Host: host, PaneID: paneID, Stage: stage,
		Token: token, ExpiresAt: time.Unix(expires, 0),
	}, nil
}

// LookupToken finds a token record by its opaque value, or nil if absent.
func (s *Store) LookupToken(token string) (*TokenRecord, error) {
	var (
		rec     TokenRecord
		expires int64
	)
	err := s.db.QueryRow(
		"SELECT host, pane_id, stage, expires_at FROM approval_tokens WHERE token = ?",
		token,
	).Scan(&rec.Host, &rec.PaneID, &rec.Stage, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	rec.Token = token
	rec.ExpiresAt = time.Unix(expires, 0)
	return &rec, nil
}

// DeleteToken removes the token for a stage key.
func (s *Store) DeleteToken(host, paneID, stage string) error {
	_, err := s.db.Exec(
		"DELETE FROM approval_tokens WHERE host = ? AND pane_id = ? AND stage = ?",
		host, paneID, stage,
	)
	if err != nil {
		return fmt.Errorf("delete token %s/%s/%s: %w", host, paneID, stage, err)
	}
	return nil
}

// ExpireTokens deletes all tokens that expired before now and returns how many
// were purged.
func (s *Store) ExpireTokens(now time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM approval_tokens WHERE expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
