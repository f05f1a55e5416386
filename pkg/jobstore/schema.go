package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 3

// Migrate creates (or upgrades) the queue schema in-place.
//
// The jobs table is append-mostly: rows are inserted at enqueue and mutated
// only through state transitions; the engine never deletes rows itself
// (retention is a separate gc concern).
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			rpc_id TEXT,
			method TEXT NOT NULL,
			params_json TEXT,
			state TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			-- timeout_sec overrides the global heartbeat timeout when > 0.
			timeout_sec INTEGER NOT NULL DEFAULT 0,
			enqueue_ts TIMESTAMP NOT NULL,
			start_ts TIMESTAMP,
			heartbeat_ts TIMESTAMP,
			finish_ts TIMESTAMP,
			result_json TEXT,
			error_code TEXT,
			error_msg TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_enqueue ON jobs(state, enqueue_ts);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_rpc_id ON jobs(rpc_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(state, heartbeat_ts);`,
		// v3: at most one live job per rpc_id, enforced by the engine.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_rpc_live ON jobs(rpc_id)
			WHERE rpc_id IS NOT NULL
			AND state IN ('ENQUEUED', 'DISPATCHING', 'RUNNING');`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: add priority and timeout_sec for per-job dispatch tuning.
	if current < 2 && current > 0 {
		alters := []string{
			`ALTER TABLE jobs ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;`,
			`ALTER TABLE jobs ADD COLUMN timeout_sec INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
