// Package state provides durable SQLite-backed storage for supervisor state:
// pane read offsets, stage states, approval tokens, agent-session records, and
// bus reader offsets. It is the only shared mutable resource between the
// supervisor loop and the advisor orchestrator.
package state

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrations embed.FS

// StageStatus represents the lifecycle state of one pipeline stage on a pane.
type StageStatus string

const (
	StageIdle            StageStatus = "IDLE"
	StageWaitingTrigger  StageStatus = "WAITING_TRIGGER"
	StageWaitingApproval StageStatus = "WAITING_APPROVAL"
	StageRunning         StageStatus = "RUNNING"
	StageCompleted       StageStatus = "COMPLETED"
	StageFailed          StageStatus = "FAILED"
)

// Terminal reports whether the status is final for this run.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StageState is the persisted state of one (host, pane, pipeline, stage) row.
type StageState struct {
	Host      string         `json:"host"`
	PaneID    string         `json:"pane_id"`
	Pipeline  string         `json:"pipeline"`
	Stage     string         `json:"stage"`
	Status    StageStatus    `json:"status"`
	Retries   int            `json:"retries"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AgentSession is a record of one AI-agent-controlled tmux session, keyed by
// branch. Created by the session bootstrapper, mutated by the orchestrator
// (metadata, status, heartbeat) and by the supervisor (recent output).
type AgentSession struct {
	Branch       string         `json:"branch"`
	WorktreePath string         `json:"worktree_path,omitempty"`
	SessionName  string         `json:"session_name"`
	Model        string         `json:"model,omitempty"`
	Template     string         `json:"template,omitempty"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status,omitempty"`
	LogPath      string         `json:"log_path,omitempty"`
	LastOutput   string         `json:"last_output,omitempty"`
	LastOutputAt *time.Time     `json:"last_output_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Metadata keys written by the orchestrator. Unknown keys are preserved;
// validation happens on read, not write.
const (
	MetaOrchestratorSummary     = "orchestrator_summary"
	MetaOrchestratorLastCommand = "orchestrator_last_command"
	MetaOrchestratorHeartbeat   = "orchestrator_heartbeat"
	MetaOrchestratorError       = "orchestrator_error"
	MetaPhase                   = "phase"
	MetaBlockers                = "blockers"
	MetaHistorySummaries        = "history_summaries"
)

// GetMigrationFiles returns a sorted list of migration file names.
func GetMigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// ApplyMigrations applies all pending migrations to the database.
func ApplyMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	files, err := GetMigrationFiles()
	if err != nil {
		return err
	}

	rows, err := db.Query("SELECT version FROM _migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations: %w", err)
	}

	for _, filename := range files {
		// Parse version from filename (e.g., "001_initial.sql" -> 1)
		var version int
		n, _ := fmt.Sscanf(filename, "%03d_", &version)
		if n != 1 {
			return fmt.Errorf("parse migration version from %s: invalid format", filename)
		}
		if applied[version] {
			continue
		}

		content, err := migrations.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %s: %w", filename, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO _migrations (version, name) VALUES (?, ?)",
			version, filename,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", filename, err)
		}
	}

	return nil
}
