package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StageState returns the persisted row for a stage, or nil if absent.
func (s *Store) StageState(host, paneID, pipeline, stage string) (*StageState, error) {
	row := s.db.QueryRow(`
		SELECT status, retries, data, updated_at
		FROM stage_states
		WHERE host = ? AND pane_id = ? AND pipeline = ? AND stage = ?`,
		host, paneID, pipeline, stage,
	)

	var (
		status    string
		retries   int
		data      string
		updatedAt time.Time
	)
	err := row.Scan(&status, &retries, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stage state %s/%s/%s/%s: %w", host, paneID, pipeline, stage, err)
	}

	st := &StageState{
		Host:      host,
		PaneID:    paneID,
		Pipeline:  pipeline,
		Stage:     stage,
		Status:    StageStatus(status),
		Retries:   retries,
		UpdatedAt: updatedAt,
	}
	if data != "" {
		// Malformed data bags are dropped, not fatal: validate on read.
		_ = json.Unmarshal([]byte(data), &st.Data)
	}
	if st.Data == nil {
		st.Data = make(map[string]any)
	}
	return st, nil
}

// UpsertStageState writes a stage row, replacing any existing one.
func (s *Store) UpsertStageState(st *StageState) error {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return fmt.Errorf("marshal stage data: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO stage_states (host, pane_id, pipeline, stage, status, retries, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(host, pane_id, pipeline, stage) DO UPDATE SET
			status = excluded.status,
			retries = excluded.retries,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		st.Host, st.PaneID, st.Pipeline, st.Stage, string(st.Status), st.Retries, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert stage state %s/%s/%s/%s: %w", st.Host, st.PaneID, st.Pipeline, st.Stage, err)
	}
	return nil
}

// PipelineStages returns all persisted stage rows for one pipeline on a pane.
func (s *Store) PipelineStages(host, paneID, pipeline string) ([]StageState, error) {
	rows, err := s.db.Query(`
		SELECT stage, status, retries, data, updated_at
		FROM stage_states
		WHERE host = ? AND pane_id = ? AND pipeline = ?`,
		host, paneID, pipeline,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline stages %s/%s/%s: %w", host, paneID, pipeline, err)
	}
	defer func() { _ = rows.Close() }()

	var states []StageState
	for rows.Next() {
		st := StageState{Host: host, PaneID: paneID, Pipeline: pipeline}
		var status, data string
		if err := rows.Scan(&st.Stage, &status, &st.Retries, &data, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stage state: %w", err)
		}
		st.Status = StageStatus(status)
		if data != "" {
			_ = json.Unmarshal([]byte(data), &st.Data)
		}
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// ResetPipeline wipes all stage rows for one pipeline on a pane. This is the
// external recovery path for a FAILED pipeline.
func (s *Store) ResetPipeline(host, paneID, pipeline string) error {
	_, err := s.db.Exec(
		"DELETE FROM stage_states WHERE host = ? AND pane_id = ? AND pipeline = ?",
		host, paneID, pipeline,
	)
	if err != nil {
		return fmt.Errorf("reset pipeline %s/%s/%s: %w", host, paneID, pipeline, err)
	}
	return nil
}
