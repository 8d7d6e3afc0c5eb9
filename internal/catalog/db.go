// Package catalog records finished runs and the presets they saved in a
// local SQLite database, so a preset can be traced back to the run and
// output directory that produced it.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// FileName is the database file inside the base directory.
const FileName = "ignitron.db"

// Init opens the SQLite catalog at baseDir/ignitron.db, creating it if needed.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.ignitron.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: runs and saved presets
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS runs (
		  id                    TEXT PRIMARY KEY,
		  kind                  TEXT NOT NULL,
		  sources_json          TEXT,
		  out_dir               TEXT NOT NULL,
		  index_path            TEXT NOT NULL,
		  scanned               INTEGER NOT NULL,
		  saved                 INTEGER NOT NULL,
		  skipped_duplicate     INTEGER NOT NULL,
		  skipped_no_filename   INTEGER NOT NULL,
		  skipped_not_in_filter INTEGER NOT NULL,
		  broken                INTEGER NOT NULL,
		  cleaned_up            INTEGER NOT NULL,
		  bank_list_json        TEXT,
		  bank_list_path        TEXT,
		  error                 TEXT,
		  started_at            INTEGER NOT NULL,
		  finished_at           INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_finished
		ON runs(finished_at DESC);

		CREATE INDEX IF NOT EXISTS idx_runs_kind_finished
		ON runs(kind, finished_at DESC);

		CREATE TABLE IF NOT EXISTS presets (
		  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		  filename    TEXT NOT NULL,
		  uuid        TEXT NOT NULL,
		  name        TEXT,
		  fingerprint TEXT NOT NULL,
		  path        TEXT NOT NULL,
		  PRIMARY KEY (run_id, filename)
		);

		CREATE INDEX IF NOT EXISTS idx_presets_filename
		ON presets(filename COLLATE NOCASE);

		CREATE INDEX IF NOT EXISTS idx_presets_uuid
		ON presets(uuid);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
