package store

import (
	"context"
	"strings"
)

// schema contains the DDL for all taskorch tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS teams (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS scripts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL,
		cmd             TEXT NOT NULL,
		team_id         INTEGER NOT NULL REFERENCES teams(id),
		status          TEXT NOT NULL DEFAULT 'ACTIVE',
		type            TEXT NOT NULL DEFAULT 'SCRIPT',
		default_options TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scripts_team_id ON scripts(team_id)`,
	`CREATE INDEX IF NOT EXISTS idx_scripts_name ON scripts(name)`,

	`CREATE TABLE IF NOT EXISTS worker_queues (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'inactive'
	)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'OFFLINE'
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		title           TEXT NOT NULL DEFAULT '',
		script_id       INTEGER NOT NULL REFERENCES scripts(id),
		worker_queue_id INTEGER NOT NULL REFERENCES worker_queues(id),
		parent_id       INTEGER REFERENCES tasks(id),
		scheduled_at    TEXT NOT NULL,
		run_at          TEXT,
		state           TEXT NOT NULL DEFAULT 'PRERUN',
		locks           TEXT NOT NULL DEFAULT '',
		options         TEXT NOT NULL DEFAULT '{}',
		scheduled_by    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_script_id ON tasks(script_id)`,
	// Scheduler intake query (run_at IS NULL AND state = 'PRERUN').
	`CREATE INDEX IF NOT EXISTS idx_tasks_state_run_at ON tasks(state, run_at)`,

	`CREATE TABLE IF NOT EXISTS task_depends (
		task_id   INTEGER NOT NULL REFERENCES tasks(id),
		depend_id INTEGER NOT NULL REFERENCES tasks(id),
		PRIMARY KEY (task_id, depend_id)
	)`,

	`CREATE TABLE IF NOT EXISTS task_log (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id   INTEGER NOT NULL REFERENCES tasks(id),
		run_at    TEXT NOT NULL,
		state     TEXT NOT NULL,
		worker_id INTEGER NOT NULL REFERENCES workers(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_log_task_id ON task_log(task_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	// Queue association and last heartbeat, used by queue expiry.
	{
		table:    "workers",
		column:   "queue_id",
		alterSQL: "ALTER TABLE workers ADD COLUMN queue_id INTEGER REFERENCES worker_queues(id)",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_workers_queue_id ON workers(queue_id)",
	},
	{
		table:    "workers",
		column:   "last_seen",
		alterSQL: "ALTER TABLE workers ADD COLUMN last_seen TEXT",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db dbtx) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db dbtx, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if found {
		return nil
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
