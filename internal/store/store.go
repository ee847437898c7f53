package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/taskorch/pkg/model"
)

// ErrNotFound is returned by updates and deletes that match no row.
// Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// Store defines the persistence layer for taskorch entities.
type Store interface {
	// Teams
	CreateTeam(ctx context.Context, team *model.Team) error
	GetTeam(ctx context.Context, id int64) (*model.Team, error)
	GetTeamByName(ctx context.Context, name string) (*model.Team, error)
	ListTeams(ctx context.Context) ([]*model.Team, error)
	UpdateTeam(ctx context.Context, team *model.Team) error

	// Scripts
	CreateScript(ctx context.Context, script *model.Script) error
	GetScript(ctx context.Context, id int64) (*model.Script, error)
	GetScriptByName(ctx context.Context, name string) (*model.Script, error)
	ListScripts(ctx context.Context, teamID int64) ([]*model.Script, error)
	UpdateScript(ctx context.Context, script *model.Script) error

	// Worker queues
	CreateWorkerQueue(ctx context.Context, q *model.WorkerQueue) error
	GetWorkerQueue(ctx context.Context, id int64) (*model.WorkerQueue, error)
	GetWorkerQueueByName(ctx context.Context, name string) (*model.WorkerQueue, error)
	ListWorkerQueues(ctx context.Context) ([]*model.WorkerQueue, error)
	UpdateWorkerQueue(ctx context.Context, q *model.WorkerQueue) error

	// Workers
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorkerByName(ctx context.Context, name string) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	ListWorkersByQueue(ctx context.Context, queueID int64) ([]*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error

	// Tasks
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	SetTaskRunAt(ctx context.Context, id int64, runAt time.Time) error
	ListTasks(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error)
	ListPrerunTasks(ctx context.Context) ([]*model.Task, error)
	GetTasksByState(ctx context.Context, state model.TaskState) ([]*model.Task, error)

	// Dependencies
	AddTaskDepend(ctx context.Context, dep model.TaskDepend) error
	ListDependTasks(ctx context.Context, taskID int64) ([]*model.Task, error)

	// Task log (append-only)
	AppendTaskLog(ctx context.Context, entry *model.TaskLog) error
	ListTaskLogs(ctx context.Context, taskID int64) ([]*model.TaskLog, error)
	CountTaskLogs(ctx context.Context, taskID int64, state model.TaskState) (int, error)

	// InTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Calling InTx on a transaction-bound Store joins the outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
