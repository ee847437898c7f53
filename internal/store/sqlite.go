package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/taskorch/pkg/model"

	_ "modernc.org/sqlite"
)

// dbtx is the subset of *sql.DB and *sql.Tx the store queries through.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	q      dbtx
	tx     *sql.Tx // non-nil when bound to a transaction
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	// Scheduler, state updater and the API may run as separate processes.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		q:      db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.tx != nil {
		return errors.New("close called on transaction-bound store")
	}
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.q)
}

// InTx runs fn inside a single transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	bound := &SQLiteStore{db: s.db, q: tx, tx: tx, logger: s.logger}
	if err := fn(bound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Teams ---

func (s *SQLiteStore) CreateTeam(ctx context.Context, team *model.Team) error {
	s.logger.Debug("sql", "op", "insert", "table", "teams", "name", team.Name)

	res, err := s.q.ExecContext(ctx, `INSERT INTO teams (name) VALUES (?)`, team.Name)
	if err != nil {
		return err
	}
	team.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id int64) (*model.Team, error) {
	s.logger.Debug("sql", "op", "select", "table", "teams", "id", id)

	var team model.Team
	err := s.q.QueryRowContext(ctx, `SELECT id, name FROM teams WHERE id = ?`, id).Scan(&team.ID, &team.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *SQLiteStore) GetTeamByName(ctx context.Context, name string) (*model.Team, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "teams", "name", name)

	var team model.Team
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name FROM teams WHERE name = ? ORDER BY id LIMIT 1`, name,
	).Scan(&team.ID, &team.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *SQLiteStore) ListTeams(ctx context.Context) ([]*model.Team, error) {
	s.logger.Debug("sql", "op", "list", "table", "teams")

	rows, err := s.q.QueryContext(ctx, `SELECT id, name FROM teams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*model.Team
	for rows.Next() {
		var team model.Team
		if err := rows.Scan(&team.ID, &team.Name); err != nil {
			return nil, err
		}
		teams = append(teams, &team)
	}
	return teams, rows.Err()
}

func (s *SQLiteStore) UpdateTeam(ctx context.Context, team *model.Team) error {
	s.logger.Debug("sql", "op", "update", "table", "teams", "id", team.ID)

	res, err := s.q.ExecContext(ctx, `UPDATE teams SET name = ? WHERE id = ?`, team.Name, team.ID)
	return checkAffected(res, err, "team", team.ID)
}

// --- Scripts ---

func (s *SQLiteStore) CreateScript(ctx context.Context, script *model.Script) error {
	s.logger.Debug("sql", "op", "insert", "table", "scripts", "name", script.Name)

	optsJSON, err := json.Marshal(nonNilStrings(script.DefaultOptions))
	if err != nil {
		return fmt.Errorf("marshal default_options: %w", err)
	}
	if script.Status == "" {
		script.Status = model.ScriptStatusActive
	}
	if script.Type == "" {
		script.Type = model.ScriptTypeScript
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO scripts (name, cmd, team_id, status, type, default_options)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		script.Name, script.Cmd, script.TeamID, string(script.Status), string(script.Type), string(optsJSON),
	)
	if err != nil {
		return err
	}
	script.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetScript(ctx context.Context, id int64) (*model.Script, error) {
	s.logger.Debug("sql", "op", "select", "table", "scripts", "id", id)
	script, err := scanScript(s.q.QueryRowContext(ctx,
		`SELECT id, name, cmd, team_id, status, type, default_options FROM scripts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return script, err
}

// GetScriptByName resolves a script name, preferring an ACTIVE script and
// then the most recently created one.
func (s *SQLiteStore) GetScriptByName(ctx context.Context, name string) (*model.Script, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "scripts", "name", name)
	script, err := scanScript(s.q.QueryRowContext(ctx,
		`SELECT id, name, cmd, team_id, status, type, default_options FROM scripts
		 WHERE name = ? ORDER BY status = ? DESC, id DESC LIMIT 1`,
		name, string(model.ScriptStatusActive)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return script, err
}

// ListScripts returns the scripts of one team, or of every team when teamID is 0.
func (s *SQLiteStore) ListScripts(ctx context.Context, teamID int64) ([]*model.Script, error) {
	s.logger.Debug("sql", "op", "list", "table", "scripts", "team_id", teamID)

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, cmd, team_id, status, type, default_options FROM scripts
		 WHERE ? = 0 OR team_id = ? ORDER BY id`, teamID, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*model.Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return scripts, rows.Err()
}

func (s *SQLiteStore) UpdateScript(ctx context.Context, script *model.Script) error {
	s.logger.Debug("sql", "op", "update", "table", "scripts", "id", script.ID)

	optsJSON, err := json.Marshal(nonNilStrings(script.DefaultOptions))
	if err != nil {
		return fmt.Errorf("marshal default_options: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE scripts SET name=?, cmd=?, team_id=?, status=?, type=?, default_options=? WHERE id=?`,
		script.Name, script.Cmd, script.TeamID, string(script.Status), string(script.Type), string(optsJSON), script.ID,
	)
	return checkAffected(res, err, "script", script.ID)
}

// --- Worker queues ---

func (s *SQLiteStore) CreateWorkerQueue(ctx context.Context, q *model.WorkerQueue) error {
	s.logger.Debug("sql", "op", "insert", "table", "worker_queues", "name", q.Name)

	if q.State == "" {
		q.State = model.QueueStateInactive
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO worker_queues (name, state) VALUES (?, ?)`, q.Name, string(q.State))
	if err != nil {
		return err
	}
	q.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetWorkerQueue(ctx context.Context, id int64) (*model.WorkerQueue, error) {
	s.logger.Debug("sql", "op", "select", "table", "worker_queues", "id", id)
	return s.getWorkerQueue(ctx, `SELECT id, name, state FROM worker_queues WHERE id = ?`, id)
}

func (s *SQLiteStore) GetWorkerQueueByName(ctx context.Context, name string) (*model.WorkerQueue, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "worker_queues", "name", name)
	return s.getWorkerQueue(ctx, `SELECT id, name, state FROM worker_queues WHERE name = ?`, name)
}

func (s *SQLiteStore) getWorkerQueue(ctx context.Context, query string, arg any) (*model.WorkerQueue, error) {
	var q model.WorkerQueue
	var state string
	err := s.q.QueryRowContext(ctx, query, arg).Scan(&q.ID, &q.Name, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.State = model.QueueState(state)
	return &q, nil
}

func (s *SQLiteStore) ListWorkerQueues(ctx context.Context) ([]*model.WorkerQueue, error) {
	s.logger.Debug("sql", "op", "list", "table", "worker_queues")

	rows, err := s.q.QueryContext(ctx, `SELECT id, name, state FROM worker_queues ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []*model.WorkerQueue
	for rows.Next() {
		var q model.WorkerQueue
		var state string
		if err := rows.Scan(&q.ID, &q.Name, &state); err != nil {
			return nil, err
		}
		q.State = model.QueueState(state)
		queues = append(queues, &q)
	}
	return queues, rows.Err()
}

func (s *SQLiteStore) UpdateWorkerQueue(ctx context.Context, q *model.WorkerQueue) error {
	s.logger.Debug("sql", "op", "update", "table", "worker_queues", "id", q.ID)

	res, err := s.q.ExecContext(ctx,
		`UPDATE worker_queues SET name = ?, state = ? WHERE id = ?`, q.Name, string(q.State), q.ID)
	return checkAffected(res, err, "worker queue", q.ID)
}

// --- Workers ---

const workerColumns = `id, name, state, queue_id, last_seen`

func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "insert", "table", "workers", "name", w.Name)

	if w.State == "" {
		w.State = model.WorkerStateOffline
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO workers (name, state, queue_id, last_seen) VALUES (?, ?, ?, ?)`,
		w.Name, string(w.State), w.QueueID, formatTimePtr(w.LastSeen),
	)
	if err != nil {
		return err
	}
	w.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetWorkerByName(ctx context.Context, name string) (*model.Worker, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "workers", "name", name)
	w, err := scanWorker(s.q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list", "table", "workers")
	return s.queryWorkers(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY name`)
}

func (s *SQLiteStore) ListWorkersByQueue(ctx context.Context, queueID int64) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_by_queue", "table", "workers", "queue_id", queueID)
	return s.queryWorkers(ctx, `SELECT `+workerColumns+` FROM workers WHERE queue_id = ? ORDER BY name`, queueID)
}

func (s *SQLiteStore) queryWorkers(ctx context.Context, query string, args ...any) ([]*model.Worker, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "update", "table", "workers", "id", w.ID)

	res, err := s.q.ExecContext(ctx,
		`UPDATE workers SET name = ?, state = ?, queue_id = ?, last_seen = ? WHERE id = ?`,
		w.Name, string(w.State), w.QueueID, formatTimePtr(w.LastSeen), w.ID,
	)
	return checkAffected(res, err, "worker", w.ID)
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (*model.Script, error) {
	var script model.Script
	var status, typ, optsJSON string
	if err := row.Scan(&script.ID, &script.Name, &script.Cmd, &script.TeamID, &status, &typ, &optsJSON); err != nil {
		return nil, err
	}
	script.Status = model.ScriptStatus(status)
	script.Type = model.ScriptType(typ)
	if err := json.Unmarshal([]byte(optsJSON), &script.DefaultOptions); err != nil {
		return nil, fmt.Errorf("unmarshal default_options: %w", err)
	}
	return &script, nil
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var state string
	var queueID sql.NullInt64
	var lastSeen *string
	if err := row.Scan(&w.ID, &w.Name, &state, &queueID, &lastSeen); err != nil {
		return nil, err
	}
	w.State = model.WorkerState(state)
	if queueID.Valid {
		id := queueID.Int64
		w.QueueID = &id
	}
	w.LastSeen = parseTimePtr(lastSeen)
	return &w, nil
}

func checkAffected(res sql.Result, err error, entity string, id int64) error {
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
