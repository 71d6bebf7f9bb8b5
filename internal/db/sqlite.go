// Package db persists handshake session tokens and the peer session audit
// log in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// connPragmas apply to every connection the pool opens. Token consumption
// is a read-modify-write on the handshake path, so writers wait rather than
// fail with SQLITE_BUSY, and the audit log can lose its last rows on power
// loss without corrupting the file.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Database is the SQLite handle shared by the token table and the session
// log. Writes are serialized; reads go straight to the pool.
type Database struct {
	writeMu sync.Mutex
	db      *sql.DB
	path    string
}

// dsn builds the modernc connection string for path with connPragmas.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// NewDatabase opens or creates the database file at path, creating its
// directory first.
func NewDatabase(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// A single writer connection; WAL lets it coexist with the readers the
	// monitor API issues.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err == nil && mode != "wal" {
		log.Warn().Str("journal_mode", mode).Msg("database is not in WAL mode")
	}
	log.Info().Str("path", path).Msg("database opened")

	return &Database{db: db, path: path}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec runs a write statement.
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.db.Exec(query, args...)
}

// Query runs a read returning rows.
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow runs a read returning at most one row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Ping checks that the database still answers. The health manager calls it.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Path returns the database file location.
func (d *Database) Path() string {
	return d.path
}

// Transaction runs fn in a write transaction, committing when fn returns
// nil and rolling back otherwise.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) (err error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Warn().Err(rbErr).Msg("transaction rollback failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
