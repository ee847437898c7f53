// Package storetest provides in-memory stores and fixtures for tests.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/pkg/model"
)

// New returns a migrated in-memory SQLite store closed on test cleanup.
func New(t testing.TB) *store.SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Fixture is a team, a script and a queue that tasks can be created against.
type Fixture struct {
	Team   *model.Team
	Script *model.Script
	Queue  *model.WorkerQueue
}

// Seed creates team "A-Team", script "short_script" (SCRIPT, TIMEOUT=1)
// and the queue "default" in the given state.
func Seed(t testing.TB, st store.Store, queueState model.QueueState) Fixture {
	t.Helper()
	ctx := context.Background()

	team := &model.Team{Name: "A-Team"}
	if err := st.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	script := &model.Script{
		Name:           "short_script",
		Cmd:            "sleep 1 && echo done",
		TeamID:         team.ID,
		Status:         model.ScriptStatusActive,
		Type:           model.ScriptTypeScript,
		DefaultOptions: map[string]string{"TIMEOUT": "1"},
	}
	if err := st.CreateScript(ctx, script); err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	queue := &model.WorkerQueue{Name: "default", State: queueState}
	if err := st.CreateWorkerQueue(ctx, queue); err != nil {
		t.Fatalf("CreateWorkerQueue: %v", err)
	}
	return Fixture{Team: team, Script: script, Queue: queue}
}

// AddScript creates an additional script for the fixture's team.
func (f Fixture) AddScript(t testing.TB, st store.Store, name, cmd string, typ model.ScriptType) *model.Script {
	t.Helper()
	script := &model.Script{Name: name, Cmd: cmd, TeamID: f.Team.ID, Status: model.ScriptStatusActive, Type: typ}
	if err := st.CreateScript(context.Background(), script); err != nil {
		t.Fatalf("CreateScript(%s): %v", name, err)
	}
	return script
}

// Task creates a PRERUN task on the fixture queue. mutate, if non-nil,
// adjusts the task before it is inserted.
func (f Fixture) Task(t testing.TB, st store.Store, title string, mutate func(*model.Task), dependIDs ...int64) *model.Task {
	t.Helper()
	task := &model.Task{
		Title:         title,
		ScriptID:      f.Script.ID,
		WorkerQueueID: f.Queue.ID,
		ScheduledAt:   time.Now().UTC(),
		State:         model.TaskStatePrerun,
		Options:       map[string]any{},
		ScheduledBy:   "test",
	}
	if mutate != nil {
		mutate(task)
	}
	if err := store.CreateTaskWithDepends(context.Background(), st, task, dependIDs...); err != nil {
		t.Fatalf("CreateTask(%s): %v", title, err)
	}
	return task
}

// SetState overwrites a task's state (and optionally run_at) directly.
func SetState(t testing.TB, st store.Store, id int64, state model.TaskState, runAt *time.Time) {
	t.Helper()
	ctx := context.Background()
	task, err := st.GetTask(ctx, id)
	if err != nil || task == nil {
		t.Fatalf("GetTask(%d): %v (task=%v)", id, err, task)
	}
	task.State = state
	task.RunAt = runAt
	if err := st.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask(%d): %v", id, err)
	}
}

// MustTask loads a task or fails the test.
func MustTask(t testing.TB, st store.Store, id int64) *model.Task {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	if task == nil {
		t.Fatalf("task %d not found", id)
	}
	return task
}
