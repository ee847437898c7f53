package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/me/taskorch/pkg/model"
)

const taskColumns = `id, title, script_id, worker_queue_id, parent_id, scheduled_at,
	run_at, state, locks, options, scheduled_by`

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "title", task.Title)

	optsJSON, err := marshalOptions(task.Options)
	if err != nil {
		return err
	}
	if task.State == "" {
		task.State = model.TaskStatePrerun
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now().UTC()
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (title, script_id, worker_queue_id, parent_id, scheduled_at,
		 run_at, state, locks, options, scheduled_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Title, task.ScriptID, task.WorkerQueueID, task.ParentID, formatTime(task.ScheduledAt),
		formatTimePtr(task.RunAt), string(task.State), task.Locks, optsJSON, task.ScheduledBy,
	)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)
	task, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// UpdateTask overwrites every mutable column of the task row.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", task.ID, "state", task.State)

	optsJSON, err := marshalOptions(task.Options)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET title=?, script_id=?, worker_queue_id=?, parent_id=?,
		 run_at=?, state=?, locks=?, options=?, scheduled_by=? WHERE id=?`,
		task.Title, task.ScriptID, task.WorkerQueueID, task.ParentID,
		formatTimePtr(task.RunAt), string(task.State), task.Locks, optsJSON, task.ScheduledBy, task.ID,
	)
	return checkAffected(res, err, "task", task.ID)
}

// SetTaskRunAt updates only run_at so that a concurrent state change
// written by the state updater is not overwritten.
func (s *SQLiteStore) SetTaskRunAt(ctx context.Context, id int64, runAt time.Time) error {
	s.logger.Debug("sql", "op", "set_run_at", "table", "tasks", "id", id)

	res, err := s.q.ExecContext(ctx, `UPDATE tasks SET run_at = ? WHERE id = ?`, formatTime(runAt), id)
	return checkAffected(res, err, "task", id)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks", "state", opts.State, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var where []string
	var args []any
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.QueueID != 0 {
		where = append(where, "worker_queue_id = ?")
		args = append(args, opts.QueueID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListPrerunTasks returns tasks that were never dispatched, oldest first.
func (s *SQLiteStore) ListPrerunTasks(ctx context.Context) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_prerun", "table", "tasks")
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_at IS NULL AND state = ? ORDER BY id`,
		string(model.TaskStatePrerun))
}

func (s *SQLiteStore) GetTasksByState(ctx context.Context, state model.TaskState) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_by_state", "table", "tasks", "state", state)
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY id`, string(state))
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// --- Dependencies ---

func (s *SQLiteStore) AddTaskDepend(ctx context.Context, dep model.TaskDepend) error {
	s.logger.Debug("sql", "op", "insert", "table", "task_depends", "task_id", dep.TaskID, "depend_id", dep.DependID)

	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_depends (task_id, depend_id) VALUES (?, ?)`, dep.TaskID, dep.DependID)
	return err
}

// ListDependTasks returns the tasks that taskID waits on.
func (s *SQLiteStore) ListDependTasks(ctx context.Context, taskID int64) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_depends", "table", "task_depends", "task_id", taskID)
	return s.queryTasks(ctx,
		`SELECT t.id, t.title, t.script_id, t.worker_queue_id, t.parent_id, t.scheduled_at,
		 t.run_at, t.state, t.locks, t.options, t.scheduled_by
		 FROM task_depends d JOIN tasks t ON t.id = d.depend_id
		 WHERE d.task_id = ? ORDER BY t.id`, taskID)
}

// --- Task log ---

func (s *SQLiteStore) AppendTaskLog(ctx context.Context, entry *model.TaskLog) error {
	s.logger.Debug("sql", "op", "insert", "table", "task_log", "task_id", entry.TaskID, "state", entry.State)

	if entry.RunAt.IsZero() {
		entry.RunAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO task_log (task_id, run_at, state, worker_id) VALUES (?, ?, ?, ?)`,
		entry.TaskID, formatTime(entry.RunAt), string(entry.State), entry.WorkerID,
	)
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// ListTaskLogs returns the audit trail of a task in insertion order.
func (s *SQLiteStore) ListTaskLogs(ctx context.Context, taskID int64) ([]*model.TaskLog, error) {
	s.logger.Debug("sql", "op", "list", "table", "task_log", "task_id", taskID)

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, task_id, run_at, state, worker_id FROM task_log WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.TaskLog
	for rows.Next() {
		var entry model.TaskLog
		var runAt, state string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &runAt, &state, &entry.WorkerID); err != nil {
			return nil, err
		}
		entry.RunAt, _ = time.Parse(time.RFC3339Nano, runAt)
		entry.State = model.TaskState(state)
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) CountTaskLogs(ctx context.Context, taskID int64, state model.TaskState) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "task_log", "task_id", taskID, "state", state)

	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_log WHERE task_id = ? AND state = ?`, taskID, string(state)).Scan(&n)
	return n, err
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var parentID sql.NullInt64
	var scheduledAt, state, optsJSON string
	var runAt *string

	if err := row.Scan(
		&task.ID, &task.Title, &task.ScriptID, &task.WorkerQueueID, &parentID, &scheduledAt,
		&runAt, &state, &task.Locks, &optsJSON, &task.ScheduledBy,
	); err != nil {
		return nil, err
	}

	if parentID.Valid {
		id := parentID.Int64
		task.ParentID = &id
	}
	task.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	task.RunAt = parseTimePtr(runAt)
	task.State = model.TaskState(state)

	dec := json.NewDecoder(strings.NewReader(optsJSON))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal options for task %d: %w", task.ID, err)
	}
	opts, err := model.NormalizeOptions(raw)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", task.ID, err)
	}
	task.Options = opts

	return &task, nil
}

func marshalOptions(opts map[string]any) (string, error) {
	if opts == nil {
		return "{}", nil
	}
	if _, err := model.NormalizeOptions(opts); err != nil {
		return "", err
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	return string(b), nil
}
