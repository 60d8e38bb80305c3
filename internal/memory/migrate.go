package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// migration is one schema step with a statement list per dialect.
type migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
}

func (m migration) sql(d dialect) string {
	if d == dialectPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// migrations is the ordered list of schema migrations. Each is applied
// exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "conversations: append-only turn log keyed by sender",
		SQLite: `
		CREATE TABLE IF NOT EXISTS conversations (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender      TEXT NOT NULL,
			message     TEXT NOT NULL,
			response    TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_sender ON conversations(sender, created_at);
		`,
		Postgres: `
		CREATE TABLE IF NOT EXISTS conversations (
			id          BIGSERIAL PRIMARY KEY,
			sender      TEXT NOT NULL,
			message     TEXT NOT NULL,
			response    TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_sender ON conversations(sender, created_at);
		`,
	},
	{
		Version:     2,
		Description: "conversations: time index for usage stats",
		SQLite:      `CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);`,
		Postgres:    `CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);`,
	},
}

// schemaTarget abstracts the two engines for the migration runner.
type schemaTarget interface {
	ensureVersionTable(ctx context.Context) error
	currentVersion(ctx context.Context) (int, error)
	// applyMigration runs stmts and records the version in one transaction.
	applyMigration(ctx context.Context, m migration, stmts []string) error
}

// runMigrations applies all pending schema migrations.
func runMigrations(ctx context.Context, target schemaTarget, d dialect, logger *slog.Logger) error {
	if err := target.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := target.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := target.applyMigration(ctx, m, splitSQL(m.sql(d))); err != nil {
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
