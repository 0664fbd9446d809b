// Package sessionstore is the reference implementation of the external
// session-id store the Event Dispatcher's "resume" policy consults
// (spec §4.11 step 6, §6: "sessions.sqlite, last Claude session id per
// group"). It satisfies dispatcher.SessionStore directly.
package sessionstore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists one latest-session-id per group in a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc's driver is not safe for concurrent writers

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := newSQLiteDriver(db)
	if err != nil {
		return fmt.Errorf("sessionstore: init migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sessionstore: load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sessionstore: build migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sessionstore: apply migrations: %w", err)
	}
	return nil
}

// Save records sessionID as the latest session for group, overwriting any
// prior value (spec §4.14 step 9: "persist sessionId under group").
func (s *Store) Save(group, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO group_sessions (group_name, session_id, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(group_name) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		group, sessionID,
	)
	if err != nil {
		return fmt.Errorf("sessionstore: save %s: %w", group, err)
	}
	return nil
}

// GetLatest returns the most recently saved session id for group, and
// whether one exists. Satisfies dispatcher.SessionStore.
func (s *Store) GetLatest(group string) (string, bool) {
	row := s.db.QueryRow(`SELECT session_id FROM group_sessions WHERE group_name = ?`, group)
	var sessionID string
	if err := row.Scan(&sessionID); err != nil {
		return "", false
	}
	return sessionID, true
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
