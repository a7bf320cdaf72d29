package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one schema change applied exactly once, tracked by version
// in schema_migrations.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// Migrations are embedded rather than read from disk so a deployed binary
// carries its own schema.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "sessions and session_queues tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				board_path TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active'
					CHECK (status IN ('active', 'inactive', 'ended')),
				name TEXT,
				created_by TEXT,
				latitude REAL,
				longitude REAL,
				discoverable INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS session_queues (
				session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
				queue TEXT NOT NULL DEFAULT '[]',
				current_climb TEXT,
				version INTEGER NOT NULL DEFAULT 0,
				sequence INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
			CREATE INDEX IF NOT EXISTS idx_sessions_discoverable
				ON sessions(discoverable, status);
			CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
				ON sessions(last_activity);
		`,
	},
}

// ApplyMigrations brings the schema up to date, applying each pending
// migration inside its own transaction.
func ApplyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return err
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, migration := range ordered {
		if applied[migration.Version] {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(migration.SQL); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version) VALUES (?)", migration.Version,
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ValidateSchema verifies the tables the managers depend on exist.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"sessions", "session_queues", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}
