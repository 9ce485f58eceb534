package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations, each applied exactly
// once and tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: distribution_rules, distribution_assignments",
		SQL: `
		CREATE TABLE IF NOT EXISTS distribution_rules (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			name           TEXT NOT NULL,
			description    TEXT DEFAULT '',
			rule_type      TEXT NOT NULL,
			conditions     TEXT NOT NULL DEFAULT '{}',
			target_channel TEXT NOT NULL,
			priority       INTEGER NOT NULL DEFAULT 0,
			is_active      INTEGER NOT NULL DEFAULT 1,
			created_by     TEXT DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			deleted_at     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_rules_tenant ON distribution_rules(tenant_id, deleted_at);

		CREATE TABLE IF NOT EXISTS distribution_assignments (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			document_id      TEXT NOT NULL,
			customer_id      TEXT NOT NULL,
			assigned_channel TEXT NOT NULL,
			rule_id          TEXT,
			reason           TEXT DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			sent_at          TEXT,
			delivered_at     TEXT,
			error            TEXT DEFAULT '',
			metadata         TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_assignments_tenant ON distribution_assignments(tenant_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: lookup indexes for active rules and assignment filters",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_rules_active ON distribution_rules(tenant_id, is_active, priority);
		CREATE INDEX IF NOT EXISTS idx_assignments_status ON distribution_assignments(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_assignments_document ON distribution_assignments(tenant_id, document_id);
		CREATE INDEX IF NOT EXISTS idx_assignments_rule ON distribution_assignments(rule_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
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
		if err := applyMigration(db, m); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// applyMigration runs every statement of m and records the version in one
// transaction, so a failed step leaves no partial schema behind.
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err != nil {
		return 0, nil
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
