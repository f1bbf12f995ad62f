package state

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mkarls/tmux-sentry/internal/util"
)

// Store is the durable state store. All methods are serializable per
// operation; WAL mode keeps single-writer semantics cheap.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state store %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY between the two loops.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening state store %s: %w", path, err)
	}
	if err := ApplyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk path of the store.
func (s *Store) Path() string {
	return s.path
}
