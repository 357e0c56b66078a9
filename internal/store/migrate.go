package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 4

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Times are stored as unix milliseconds so ordering and equality are exact.
var migrations = []migration{
	{
		Version:     1,
		Description: "messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			external_id       TEXT,
			direction         TEXT NOT NULL,
			from_addr         TEXT NOT NULL,
			to_addr           TEXT NOT NULL,
			body              TEXT NOT NULL DEFAULT '',
			profile_name      TEXT NOT NULL DEFAULT '',
			template_mode     INTEGER NOT NULL DEFAULT 0,
			template_name     TEXT NOT NULL DEFAULT '',
			content_reference TEXT NOT NULL DEFAULT '',
			content_variables TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			error_code        TEXT,
			error_message     TEXT,
			sent_at           INTEGER,
			received_at       INTEGER,
			reference_subject TEXT NOT NULL DEFAULT '',
			media_link        TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_inbound
			ON messages(direction, from_addr, received_at);
		`,
	},
	{
		Version:     2,
		Description: "templates and slots",
		SQL: `
		CREATE TABLE IF NOT EXISTS templates (
			name              TEXT PRIMARY KEY,
			body              TEXT NOT NULL DEFAULT '',
			approval_status   TEXT NOT NULL,
			content_reference TEXT NOT NULL DEFAULT '',
			updated_at        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS template_slots (
			template_name TEXT NOT NULL REFERENCES templates(name) ON DELETE CASCADE,
			position      INTEGER NOT NULL,
			name          TEXT NOT NULL,
			type          TEXT NOT NULL,
			default_value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (template_name, position)
		);
		`,
	},
	{
		Version:     3,
		Description: "delivery diagnostics",
		SQL: `
		CREATE TABLE IF NOT EXISTS diagnostics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			error_code  TEXT NOT NULL,
			detail      TEXT NOT NULL,
			hint        TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_time ON diagnostics(created_at);
		`,
	},
	{
		Version:     4,
		Description: "provider status on acceptance",
		SQL:         `ALTER TABLE messages ADD COLUMN provider_status TEXT NOT NULL DEFAULT ''`,
	},
}

// RunMigrations applies all pending schema migrations, each in its own
// transaction, recording them in schema_version.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
