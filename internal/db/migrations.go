package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS command_journal (
	journal_id TEXT PRIMARY KEY,
	command_id TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	error TEXT,
	fields_json TEXT,
	at TEXT NOT NULL,
	elapsed_us INTEGER NOT NULL DEFAULT 0 CHECK(elapsed_us >= 0)
);

CREATE INDEX IF NOT EXISTS command_journal_at
ON command_journal(at);

CREATE INDEX IF NOT EXISTS command_journal_command_at
ON command_journal(command_id, at);

CREATE TABLE IF NOT EXISTS routes (
	route_id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE CHECK(length(name) BETWEEN 1 AND 64 AND name NOT GLOB '*[^A-Za-z0-9._-]*'),
	threshold_m REAL NOT NULL DEFAULT 1 CHECK(threshold_m > 0),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS route_waypoints (
	route_id TEXT NOT NULL,
	seq INTEGER NOT NULL CHECK(seq >= 0),
	lat REAL NOT NULL CHECK(lat BETWEEN -90 AND 90),
	lon REAL NOT NULL CHECK(lon BETWEEN -180 AND 180),
	PRIMARY KEY(route_id, seq),
	FOREIGN KEY(route_id) REFERENCES routes(route_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS route_waypoints;
DROP TABLE IF EXISTS routes;
DROP INDEX IF EXISTS command_journal_command_at;
DROP INDEX IF EXISTS command_journal_at;
DROP TABLE IF EXISTS command_journal;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE routes ADD COLUMN description TEXT NOT NULL DEFAULT '';
`,
		DownSQL: `
-- Column drops are not portable across sqlite builds; v1 DownSQL removes the table.
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll runs every DownSQL newest first and forgets the applied
// versions, so ApplyMigrations can rebuild from scratch.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("forget migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
