package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create workspaces table",
			SQL: `
				CREATE TABLE IF NOT EXISTS workspaces (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					plan TEXT NOT NULL DEFAULT 'FREE',
					month_bucket TEXT NOT NULL DEFAULT '',
					ai_generations_used BIGINT NOT NULL DEFAULT 0 CHECK (ai_generations_used >= 0),
					grace_period_ends_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id) ON DELETE CASCADE,
					provider TEXT NOT NULL,
					external_id TEXT NOT NULL,
					status TEXT NOT NULL,
					plan TEXT NOT NULL,
					current_period_end TIMESTAMPTZ,
					grace_period_ends_at TIMESTAMPTZ,
					metadata JSONB NOT NULL DEFAULT '{}',
					last_event_id TEXT NOT NULL DEFAULT '',
					last_event_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(provider, external_id)
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_grace
					ON subscriptions(grace_period_ends_at)
					WHERE status IN ('PAST_DUE', 'UNPAID');
			`,
		},
		{
			Version:     3,
			Description: "Create processed_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processed_events (
					provider TEXT NOT NULL,
					event_id TEXT NOT NULL,
					workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
					processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY(provider, event_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create quota-limited resource tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS locations (
					id TEXT PRIMARY KEY,
					workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
					name TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_locations_workspace_id ON locations(workspace_id);

				CREATE TABLE IF NOT EXISTS workspace_members (
					id TEXT PRIMARY KEY,
					workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
					name TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_workspace_members_workspace_id ON workspace_members(workspace_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tollgate_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM tollgate_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tollgate_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		log.Info("migration completed")
	}

	return nil
}
