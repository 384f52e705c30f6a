// Package db opens the sqlite connection history database.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		channel INTEGER NOT NULL,
		remote_addr TEXT NOT NULL,
		mode TEXT NOT NULL,
		baud INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		tx_bytes INTEGER NOT NULL DEFAULT 0,
		rx_bytes INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		command TEXT,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_connections_channel ON connections(channel);
	CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);`,

	`CREATE INDEX IF NOT EXISTS idx_connections_opened_at ON connections(opened_at);`,
}

// InitDB opens the history database at dbPath once per process and brings
// its schema up to date.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		var err error
		db, err = sql.Open("sqlite3", dbPath)
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		// WAL lets the HTTP API read while the tracker writes.
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				initErr = fmt.Errorf("%s failed: %w", pragma, err)
				return
			}
		}

		if err := migrate(db); err != nil {
			initErr = err
		}
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

// SchemaVersion returns the number of migrations applied to conn.
func SchemaVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func migrate(conn *sql.DB) error {
	version, err := SchemaVersion(conn)
	if err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// CloseDB closes the database opened by InitDB.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// NewTestDB creates a fresh, migrated in-memory database, bypassing the
// process-wide one.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection to :memory: would be a separate database.
	testDB.SetMaxOpenConns(1)

	if err := migrate(testDB); err != nil {
		testDB.Close()
		return nil, err
	}
	return testDB, nil
}
