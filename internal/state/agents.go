package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveAgentSession writes a full agent-session record, replacing any existing
// row for the branch.
func (s *Store) SaveAgentSession(a *AgentSession) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	var lastOutputAt any
	if a.LastOutputAt != nil {
		lastOutputAt = a.LastOutputAt.UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO agent_sessions
			(branch, worktree_path, session_name, model, template, description,
			 status, log_path, last_output, last_output_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch) DO UPDATE SET
			worktree_path = excluded.worktree_path,
			session_name = excluded.session_name,
			model = excluded.model,
			template = excluded.template,
			description = excluded.description,
			status = excluded.status,
			log_path = excluded.log_path,
			last_output = excluded.last_output,
			last_output_at = excluded.last_output_at,
			metadata = excluded.metadata`,
		a.Branch, a.WorktreePath, a.SessionName, a.Model, a.Template,
		a.Description, a.Status, a.LogPath, a.LastOutput, lastOutputAt, string(meta),
	)
	if err != nil {
		return fmt.Errorf("save agent session %s: %w", a.Branch, err)
	}
	return nil
}

// AgentSession returns the record for a branch, or nil if absent.
func (s *Store) AgentSession(branch string) (*AgentSession, error) {
	row := s.db.QueryRow(`
		SELECT branch, worktree_path, session_name, model, template, description,
		       status, log_path, last_output, last_output_at, metadata
		FROM agent_sessions WHERE branch = ?`, branch)
	a, err := scanAgentSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListAgentSessions returns all agent-session records ordered by branch.
func (s *Store) ListAgentSessions() ([]AgentSession, error) {
	rows, err := s.db.Query(`
		SELECT branch, worktree_path, session_name, model, template, description,
		       status, log_path, last_output, last_output_at, metadata
		FROM agent_sessions ORDER BY branch`)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []AgentSession
	for rows.Next() {
		a, err := scanAgentSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *a)
	}
	return sessions, rows.Err()
}

func scanAgentSession(scan func(...any) error) (*AgentSession, error) {
	var (
		a            AgentSession
		lastOutputAt sql.NullTime
		meta         string
	)
	err := scan(&a.Branch, &a.WorktreePath, &a.SessionName, &a.Model, &a.Template,
		&a.Description, &a.Status, &a.LogPath, &a.LastOutput, &lastOutputAt, &meta)
	if err != nil {
		return nil, err
	}
	if lastOutputAt.Valid {
		t := lastOutputAt.Time
		a.LastOutputAt = &t
	}
	if meta != "" {
		// Validate on read: a corrupt bag degrades to empty, not an error.
		_ = json.Unmarshal([]byte(meta), &a.Metadata)
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	return &a, nil
}

// DeleteAgentSession removes the record for a branch.
func (s *Store) DeleteAgentSession(branch string) error {
	_, err := s.db.Exec("DELETE FROM agent_sessions WHERE branch = ?", branch)
	if err != nil {
		return fmt.Errorf("delete agent session %s: %w", branch, err)
	}
	return nil
}

// MergeAgentMetadata merges patch into the branch's metadata bag. Existing
// keys not named in patch are preserved. A nil value deletes the key.
func (s *Store) MergeAgentMetadata(branch string, patch map[string]any) error {
	a, err := s.AgentSession(branch)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("merge metadata: no agent session for branch %q", branch)
	}
	for k, v := range patch {
		if v == nil {
			delete(a.Metadata, k)
			continue
		}
		a.Metadata[k] = v
	}
	return s.SaveAgentSession(a)
}

// SetAgentLastOutput records the most recent pane output for a branch.
func (s *Store) SetAgentLastOutput(branch, output string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE agent_sessions SET last_output = ?, last_output_at = ? WHERE branch = ?",
		output, at.UTC(), branch,
	)
	if err != nil {
		return fmt.Errorf("set agent last output %s: %w", branch, err)
	}
	return nil
}

// SetAgentStatus updates the status field for a branch.
func (s *Store) SetAgentStatus(branch, status string) error {
	_, err := s.db.Exec("UPDATE agent_sessions SET status = ? WHERE branch = ?", status, branch)
	if err != nil {
		return fmt.Errorf("set agent status %s: %w", branch, err)
	}
	return nil
}
