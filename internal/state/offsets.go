package state

import (
	"database/sql"
	"errors"
	"fmt"
)

// PaneOffset returns the stored byte offset for a pane, or 0 if none.
func (s *Store) PaneOffset(host, paneID string) (int64, error) {
	var offset int64
	err := s.db.QueryRow(
		"SELECT byte_offset FROM pane_offsets WHERE host = ? AND pane_id = ?",
		host, paneID,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query pane offset %s/%s: %w", host, paneID, err)
	}
	return offset, nil
}

// SetPaneOffset persists the byte offset for a pane.
func (s *Store) SetPaneOffset(host, paneID string, offset int64) error {
	_, err := s.db.Exec(`
		INSERT INTO pane_offsets (host, pane_id, byte_offset, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(host, pane_id) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			updated_at = CURRENT_TIMESTAMP`,
		host, paneID, offset,
	)
	if err != nil {
		return fmt.Errorf("set pane offset %s/%s: %w", host, paneID, err)
	}
	return nil
}

// BusOffset returns the stored byte offset for a named bus reader, or 0.
func (s *Store) BusOffset(reader string) (int64, error) {
	var offset int64
	err := s.db.QueryRow(
		"SELECT byte_offset FROM bus_offsets WHERE reader = ?", reader,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query bus offset %s: %w", reader, err)
	}
	return offset, nil
}

// SetBusOffset persists the byte offset for a named bus reader.
func (s *Store) SetBusOffset(reader string, offset int64) error {
	_, err := s.db.Exec(`
		INSERT INTO bus_offsets (reader, byte_offset) VALUES (?, ?)
		ON CONFLICT(reader) DO UPDATE SET byte_offset = excluded.byte_offset`,
		reader, offset,
	)
	if err != nil {
		return fmt.Errorf("set bus offset %s: %w", reader, err)
	}
	return nil
}
