package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Column types are chosen to mean the same thing in SQLite and Postgres.
var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS plants (
    id BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_records (
    plant_id BIGINT NOT NULL,
    day TEXT NOT NULL,
    energy_kwh DOUBLE PRECISION CHECK (energy_kwh >= 0),
    power_w DOUBLE PRECISION,
    temperature_c DOUBLE PRECISION,
    income DOUBLE PRECISION,
    warning_status TEXT,
    business_status TEXT,
    network_status TEXT,
    source_updated_at BIGINT,
    timezone TEXT,
    weather TEXT,
    energy_source TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (plant_id, day)
);

CREATE INDEX IF NOT EXISTS idx_daily_records_day ON daily_records(day);
`,
	},
	{
		Version:     2,
		Description: "Run log and backfill audit",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    target_day TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    report_gz BYTEA,
    report_hash TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);

CREATE TABLE IF NOT EXISTS history_diffs (
    id TEXT PRIMARY KEY,
    run_id TEXT,
    provider TEXT NOT NULL,
    plant_id BIGINT NOT NULL,
    plant_name TEXT NOT NULL,
    day TEXT NOT NULL,
    previous_kwh DOUBLE PRECISION,
    new_kwh DOUBLE PRECISION NOT NULL,
    recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_diffs_plant_day ON history_diffs(plant_id, day);
`,
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Info().Str("component", "migrations").Int("version", m.Version).Str("description", m.Description).Msg("applying")

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := s.exec(ctx, tx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.timestamp(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Info().Str("component", "migrations").Int("version", m.Version).Msg("completed")
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
