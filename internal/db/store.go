package db

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/util"
)

// Store holds the replicator tables: handshake tokens and the session
// audit log.
type Store struct {
	db     *Database
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore opens the database at dbPath and migrates the schema.
func NewStore(dbPath string) (*Store, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     database,
		now:    time.Now,
		logger: util.ComponentLogger("db"),
	}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source used for token expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Dir returns the directory holding the database file.
func (s *Store) Dir() string {
	return filepath.Dir(s.db.Path())
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_tokens (
			token TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			guid TEXT NOT NULL DEFAULT '',
			remote_ip TEXT NOT NULL DEFAULT '',
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			used INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS peer_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id INTEGER NOT NULL,
			guid TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			addr TEXT NOT NULL DEFAULT '',
			connected_at INTEGER NOT NULL,
			disconnected_at INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			entities INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens(expires_at);
		CREATE INDEX IF NOT EXISTS idx_peer_sessions_guid ON peer_sessions(guid);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	s.logger.Debug().Msg("database schema migrated")
	return nil
}
