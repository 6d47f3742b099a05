package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the
// current version. Idempotent and safe to call on every open.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return createTables(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// createSchema creates the full current schema on an empty database.
func createSchema(db *sql.DB) error {
	if err := createTables(db); err != nil {
		return err
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			agent_results TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			seq INTEGER NOT NULL,
			origin TEXT NOT NULL,
			kind TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			payload TEXT NOT NULL,
			UNIQUE(topic, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic_seq ON events(topic, seq)`,

		`CREATE TABLE IF NOT EXISTS ledger_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at DATETIME NOT NULL,
			snapshot TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS health_findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			severity TEXT NOT NULL,
			subject TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_detected_at ON health_findings(detected_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}
