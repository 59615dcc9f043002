// Package persistence provides SQLite-based storage for turns, transcripts,
// and the durable event journal that backs replay beyond the in-memory ring.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// InitializeDatabase creates and initializes the SQLite database with the
// required schema. This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id   TEXT NOT NULL,
			turn_id      TEXT NOT NULL,
			agent        TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT '',
			request      TEXT NOT NULL DEFAULT '',
			answer       TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			PRIMARY KEY (session_id, turn_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transcript (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			event_id   TEXT NOT NULL,
			turn_id    TEXT NOT NULL DEFAULT '',
			seq        INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	_, err := db.Exec(
		`INSERT INTO schema_version (version) VALUES (?) ON CONFLICT(version) DO NOTHING`,
		CurrentSchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
