package sessionstore

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

// sqliteDriver adapts modernc.org/sqlite's pure-Go database/sql driver to
// golang-migrate's database.Driver contract. golang-migrate's own sqlite3
// driver package is built on the cgo mattn/go-sqlite3 binding; this repo
// uses modernc's pure-Go driver instead, so migrations run through this
// small adapter rather than that package.
type sqliteDriver struct {
	db *sql.DB
	mu sync.Mutex
}

func newSQLiteDriver(db *sql.DB) (database.Driver, error) {
	driver := &sqliteDriver{db: db}
	if err := driver.ensureVersionTable(); err != nil {
		return nil, err
	}
	return driver, nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL PRIMARY KEY,
		dirty BOOLEAN NOT NULL
	)`)
	return err
}

func (d *sqliteDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("sessionstore: Open is not supported, construct via newSQLiteDriver")
}

func (d *sqliteDriver) Close() error {
	return d.db.Close()
}

// Lock/Unlock are no-ops: this store is opened by exactly one process
// (the server's startup sequence), never concurrently migrated.
func (d *sqliteDriver) Lock() error   { return nil }
func (d *sqliteDriver) Unlock() error { return nil }

func (d *sqliteDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(string(body)); err != nil {
		return fmt.Errorf("sessionstore: run migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM schema_migrations`); err != nil {
		return err
	}
	if version < 0 {
		return nil
	}
	_, err := d.db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty)
	return err
}

func (d *sqliteDriver) Version() (int, bool, error) {
	row := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`)
	var version int
	var dirty bool
	if err := row.Scan(&version, &dirty); err != nil {
		if err == sql.ErrNoRows {
			return -1, false, nil
		}
		return -1, false, err
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	for _, t := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t)); err != nil {
			return err
		}
	}
	return d.ensureVersionTable()
}
