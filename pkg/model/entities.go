package model

import "time"

// Team owns Scripts.
type Team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Script is an executable definition that Tasks are instantiated from.
// Cmd is a shell command for SCRIPT and a dotted function reference for FUNCTION.
type Script struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Cmd            string            `json:"cmd"`
	TeamID         int64             `json:"team_id"`
	Status         ScriptStatus      `json:"status"`
	Type           ScriptType        `json:"type"`
	DefaultOptions map[string]string `json:"default_options,omitempty"`
}

// IsScript reports whether the script runs as a shell command.
func (s *Script) IsScript() bool {
	return s.Type == ScriptTypeScript
}

// IsActive reports whether tasks may be dispatched from this script.
func (s *Script) IsActive() bool {
	return s.Status == ScriptStatusActive
}

// WorkerQueue is a named execution channel. Its State is inferred from
// observed worker traffic and is never authoritative.
type WorkerQueue struct {
	ID    int64      `json:"id"`
	Name  string     `json:"name"`
	State QueueState `json:"state"`
}

// IsActive reports whether a worker has been observed serving the queue.
func (q *WorkerQueue) IsActive() bool {
	return q.State == QueueStateActive
}

// Worker is one execution agent, identified by hostname.
type Worker struct {
	ID       int64       `json:"id"`
	Name     string      `json:"name"`
	State    WorkerState `json:"state"`
	QueueID  *int64      `json:"queue_id,omitempty"`
	LastSeen *time.Time  `json:"last_seen,omitempty"`
}

// IsOnline reports whether the worker is currently online.
func (w *Worker) IsOnline() bool {
	return w.State == WorkerStateOnline
}

// Task is one schedulable execution of a Script on a WorkerQueue.
type Task struct {
	ID            int64          `json:"id"`
	Title         string         `json:"title"`
	ScriptID      int64          `json:"script_id"`
	WorkerQueueID int64          `json:"worker_queue_id"`
	ParentID      *int64         `json:"parent_id,omitempty"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	RunAt         *time.Time     `json:"run_at,omitempty"`
	State         TaskState      `json:"state"`
	Locks         string         `json:"locks,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
	ScheduledBy   string         `json:"scheduled_by,omitempty"`
}

// HasParent reports whether the task waits on a parent task.
func (t *Task) HasParent() bool {
	return t.ParentID != nil
}

// TaskDepend is a dependency edge: TaskID may not start until DependID has SUCCEED.
type TaskDepend struct {
	TaskID   int64 `json:"task_id"`
	DependID int64 `json:"depend_id"`
}

// TaskLog is one append-only audit row per observed task transition.
type TaskLog struct {
	ID       int64     `json:"id"`
	TaskID   int64     `json:"task_id"`
	RunAt    time.Time `json:"run_at"`
	State    TaskState `json:"state"`
	WorkerID int64     `json:"worker_id"`
}
