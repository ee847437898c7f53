package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/internal/store/storetest"
	"github.com/me/taskorch/pkg/model"
)

func TestMigrate_Idempotent(t *testing.T) {
	st := storetest.New(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestTeamCRUD(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	team := &model.Team{Name: "A-Team"}
	if err := st.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if team.ID == 0 {
		t.Fatal("CreateTeam did not assign an id")
	}

	team.Name = "B-Team"
	if err := st.UpdateTeam(ctx, team); err != nil {
		t.Fatalf("UpdateTeam: %v", err)
	}
	got, err := st.GetTeamByName(ctx, "B-Team")
	if err != nil {
		t.Fatalf("GetTeamByName: %v", err)
	}
	if got == nil || got.ID != team.ID {
		t.Errorf("GetTeamByName = %+v, want id %d", got, team.ID)
	}

	missing, err := st.GetTeam(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("GetTeam(999) = (%v, %v), want (nil, nil)", missing, err)
	}

	err = st.UpdateTeam(ctx, &model.Team{ID: 999, Name: "ghost"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTeam(missing) error = %v, want ErrNotFound", err)
	}
}

func TestScriptDefaults(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	got, err := st.GetScript(ctx, fx.Script.ID)
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if got.Status != model.ScriptStatusActive || got.Type != model.ScriptTypeScript {
		t.Errorf("script = %+v", got)
	}
	if got.DefaultOptions["TIMEOUT"] != "1" {
		t.Errorf("DefaultOptions = %v, want TIMEOUT=1", got.DefaultOptions)
	}

	fx.AddScript(t, st, "fn", "pkg.module.run", model.ScriptTypeFunction)
	all, err := st.ListScripts(ctx, 0)
	if err != nil {
		t.Fatalf("ListScripts: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListScripts(0) = %d scripts, want 2", len(all))
	}
	none, err := st.ListScripts(ctx, fx.Team.ID+100)
	if err != nil {
		t.Fatalf("ListScripts: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListScripts(other team) = %d scripts, want 0", len(none))
	}
}

func TestGetScriptByName(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	fx.Script.Status = model.ScriptStatusArchived
	if err := st.UpdateScript(ctx, fx.Script); err != nil {
		t.Fatalf("UpdateScript: %v", err)
	}
	replacement := fx.AddScript(t, st, "short_script", "echo v2", model.ScriptTypeScript)

	got, err := st.GetScriptByName(ctx, "short_script")
	if err != nil {
		t.Fatalf("GetScriptByName: %v", err)
	}
	if got == nil || got.ID != replacement.ID {
		t.Errorf("GetScriptByName = %+v, want active script %d", got, replacement.ID)
	}

	missing, err := st.GetScriptByName(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetScriptByName(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestWorkerQueue_UniqueName(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	if err := st.CreateWorkerQueue(ctx, &model.WorkerQueue{Name: "default"}); err != nil {
		t.Fatalf("CreateWorkerQueue: %v", err)
	}
	if err := st.CreateWorkerQueue(ctx, &model.WorkerQueue{Name: "default"}); err == nil {
		t.Error("duplicate queue name accepted")
	}

	q, err := st.GetWorkerQueueByName(ctx, "default")
	if err != nil {
		t.Fatalf("GetWorkerQueueByName: %v", err)
	}
	if q.State != model.QueueStateInactive {
		t.Errorf("new queue state = %q, want inactive", q.State)
	}
}

func TestWorker_QueueAndLastSeen(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	w := &model.Worker{Name: "celery@host1"}
	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if w.State != model.WorkerStateOffline {
		t.Errorf("default worker state = %q, want OFFLINE", w.State)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	w.State = model.WorkerStateOnline
	w.QueueID = &fx.Queue.ID
	w.LastSeen = &now
	if err := st.UpdateWorker(ctx, w); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}

	got, err := st.GetWorkerByName(ctx, "celery@host1")
	if err != nil {
		t.Fatalf("GetWorkerByName: %v", err)
	}
	if got.State != model.WorkerStateOnline || got.QueueID == nil || *got.QueueID != fx.Queue.ID {
		t.Errorf("worker = %+v", got)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, now)
	}

	byQueue, err := st.ListWorkersByQueue(ctx, fx.Queue.ID)
	if err != nil {
		t.Fatalf("ListWorkersByQueue: %v", err)
	}
	if len(byQueue) != 1 {
		t.Errorf("ListWorkersByQueue = %d, want 1", len(byQueue))
	}
}

func TestTask_CreateAndGet(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)

	parent := fx.Task(t, st, "parent", nil)
	child := fx.Task(t, st, "child", func(task *model.Task) {
		task.ParentID = &parent.ID
		task.Options = map[string]any{"RETRIES": 3, "VERBOSE": true, "NAME": "x"}
	})

	got := storetest.MustTask(t, st, child.ID)
	if got.State != model.TaskStatePrerun {
		t.Errorf("state = %q, want PRERUN", got.State)
	}
	if got.RunAt != nil {
		t.Errorf("run_at = %v, want nil", got.RunAt)
	}
	if got.ParentID == nil || *got.ParentID != parent.ID {
		t.Errorf("parent_id = %v, want %d", got.ParentID, parent.ID)
	}
	if v, ok := got.Options["RETRIES"].(int64); !ok || v != 3 {
		t.Errorf("options[RETRIES] = %#v, want int64(3)", got.Options["RETRIES"])
	}
	if v, ok := got.Options["VERBOSE"].(bool); !ok || !v {
		t.Errorf("options[VERBOSE] = %#v, want true", got.Options["VERBOSE"])
	}
}

func TestTask_RejectsNestedOptions(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)

	task := &model.Task{
		Title:         "bad",
		ScriptID:      fx.Script.ID,
		WorkerQueueID: fx.Queue.ID,
		Options:       map[string]any{"nested": map[string]any{"a": 1}},
	}
	if err := st.CreateTask(context.Background(), task); err == nil {
		t.Error("CreateTask accepted nested options")
	}
}

func TestListPrerunTasks(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	pending := fx.Task(t, st, "pending", nil)
	dispatched := fx.Task(t, st, "dispatched", nil)
	deleted := fx.Task(t, st, "deleted", nil)

	if err := st.SetTaskRunAt(ctx, dispatched.ID, time.Now()); err != nil {
		t.Fatalf("SetTaskRunAt: %v", err)
	}
	if _, err := store.DeleteTask(ctx, st, deleted.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	tasks, err := st.ListPrerunTasks(ctx)
	if err != nil {
		t.Fatalf("ListPrerunTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != pending.ID {
		t.Errorf("ListPrerunTasks = %v, want only task %d", taskIDs(tasks), pending.ID)
	}
}

func TestSetTaskRunAt_PreservesState(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	task := fx.Task(t, st, "race", nil)
	storetest.SetState(t, st, task.ID, model.TaskStateStarted, nil)

	if err := st.SetTaskRunAt(ctx, task.ID, time.Now()); err != nil {
		t.Fatalf("SetTaskRunAt: %v", err)
	}
	got := storetest.MustTask(t, st, task.ID)
	if got.State != model.TaskStateStarted {
		t.Errorf("state = %q, want STARTED (SetTaskRunAt must not touch state)", got.State)
	}
	if got.RunAt == nil {
		t.Error("run_at not set")
	}

	if err := st.SetTaskRunAt(ctx, 999, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetTaskRunAt(missing) = %v, want ErrNotFound", err)
	}
}

func TestListTasks_Filters(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fx.Task(t, st, "t", nil)
	}
	failed := fx.Task(t, st, "f", nil)
	storetest.SetState(t, st, failed.ID, model.TaskStateFailed, nil)

	tasks, total, err := st.ListTasks(ctx, model.ListOptions{State: model.TaskStateFailed})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 || len(tasks) != 1 || tasks[0].ID != failed.ID {
		t.Errorf("ListTasks(FAILED) = %v total %d", taskIDs(tasks), total)
	}

	tasks, total, err = st.ListTasks(ctx, model.ListOptions{Limit: 2, QueueID: fx.Queue.ID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 4 || len(tasks) != 2 {
		t.Errorf("ListTasks(limit 2) = %d tasks, total %d; want 2, 4", len(tasks), total)
	}
}

func TestDependencies(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	a := fx.Task(t, st, "a", nil)
	b := fx.Task(t, st, "b", nil)
	c := fx.Task(t, st, "c", nil, a.ID, b.ID)

	// Duplicate edges are ignored (unique pair).
	if err := st.AddTaskDepend(ctx, model.TaskDepend{TaskID: c.ID, DependID: a.ID}); err != nil {
		t.Fatalf("AddTaskDepend duplicate: %v", err)
	}

	deps, err := st.ListDependTasks(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListDependTasks: %v", err)
	}
	if ids := taskIDs(deps); len(ids) != 2 || ids[0] != a.ID || ids[1] != b.ID {
		t.Errorf("ListDependTasks = %v, want [%d %d]", ids, a.ID, b.ID)
	}

	none, err := st.ListDependTasks(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListDependTasks: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("task a has %d depends, want 0", len(none))
	}
}

func TestCreateTaskWithDepends_RollsBack(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	task := &model.Task{Title: "orphan", ScriptID: fx.Script.ID, WorkerQueueID: fx.Queue.ID}
	// depend 999 does not exist; the foreign key rejects the edge.
	if err := store.CreateTaskWithDepends(ctx, st, task, 999); err == nil {
		t.Fatal("CreateTaskWithDepends succeeded with a dangling dependency")
	}

	tasks, total, err := st.ListTasks(ctx, model.ListOptions{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 {
		t.Errorf("ListTasks after rollback = %v, want none", taskIDs(tasks))
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateTeam(ctx, &model.Team{Name: "rolled-back"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	team, err := st.GetTeamByName(ctx, "rolled-back")
	if err != nil {
		t.Fatalf("GetTeamByName: %v", err)
	}
	if team != nil {
		t.Error("team survived a rolled back transaction")
	}
}

func TestInTx_Nested(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx store.Store) error {
		return tx.InTx(ctx, func(inner store.Store) error {
			return inner.CreateTeam(ctx, &model.Team{Name: "nested"})
		})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	team, _ := st.GetTeamByName(ctx, "nested")
	if team == nil {
		t.Error("nested transaction did not commit")
	}
}

func TestTaskLog_AppendOnlyOrder(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	task := fx.Task(t, st, "logged", nil)
	w := &model.Worker{Name: "host"}
	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	for _, state := range []model.TaskState{model.TaskStateStarted, model.TaskStateFailed, model.TaskStateStarted, model.TaskStateFailed} {
		if err := st.AppendTaskLog(ctx, &model.TaskLog{TaskID: task.ID, State: state, WorkerID: w.ID}); err != nil {
			t.Fatalf("AppendTaskLog: %v", err)
		}
	}

	logs, err := st.ListTaskLogs(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListTaskLogs: %v", err)
	}
	if len(logs) != 4 || logs[0].State != model.TaskStateStarted || logs[3].State != model.TaskStateFailed {
		t.Errorf("logs = %+v", logs)
	}
	n, err := st.CountTaskLogs(ctx, task.ID, model.TaskStateFailed)
	if err != nil {
		t.Fatalf("CountTaskLogs: %v", err)
	}
	if n != 2 {
		t.Errorf("CountTaskLogs(FAILED) = %d, want 2", n)
	}
}

func TestTransitionTask(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.Seed(t, st, model.QueueStateActive)
	ctx := context.Background()

	task := fx.Task(t, st, "ack", nil)

	var invalid *model.InvalidTransitionError
	if _, err := store.AckTask(ctx, st, task.ID); !errors.As(err, &invalid) {
		t.Errorf("AckTask(PRERUN) error = %v, want InvalidTransitionError", err)
	}

	storetest.SetState(t, st, task.ID, model.TaskStateFailed, nil)
	got, err := store.AckTask(ctx, st, task.ID)
	if err != nil {
		t.Fatalf("AckTask: %v", err)
	}
	if got.State != model.TaskStateFailedAcked {
		t.Errorf("state = %q, want FAILED-ACKED", got.State)
	}

	if _, err := store.DeleteTask(ctx, st, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteTask(missing) = %v, want ErrNotFound", err)
	}
}

func taskIDs(tasks []*model.Task) []int64 {
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
