package store

import (
	"context"
	"fmt"

	"github.com/me/taskorch/pkg/model"
)

// CreateTaskWithDepends inserts a task and its dependency edges in one
// transaction. Acyclicity of the dependency graph is the caller's concern;
// a cycle leaves every task in it PRERUN forever.
func CreateTaskWithDepends(ctx context.Context, st Store, task *model.Task, dependIDs ...int64) error {
	return st.InTx(ctx, func(tx Store) error {
		if err := tx.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		for _, dep := range dependIDs {
			if dep == task.ID {
				return fmt.Errorf("task %d cannot depend on itself", task.ID)
			}
			if err := tx.AddTaskDepend(ctx, model.TaskDepend{TaskID: task.ID, DependID: dep}); err != nil {
				return fmt.Errorf("add depend %d -> %d: %w", task.ID, dep, err)
			}
		}
		return nil
	})
}

// TransitionTask applies an externally requested state change (acknowledge
// a failure, delete a task) after validating it against the task state machine.
func TransitionTask(ctx context.Context, st Store, id int64, to model.TaskState) (*model.Task, error) {
	var out *model.Task
	err := st.InTx(ctx, func(tx Store) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		if !task.State.CanTransitionTo(to) {
			return &model.InvalidTransitionError{Entity: "task", ID: id, From: task.State.String(), To: to.String()}
		}
		task.State = to
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

// DeleteTask soft-deletes a task. The scheduler ignores DELETED tasks.
func DeleteTask(ctx context.Context, st Store, id int64) (*model.Task, error) {
	return TransitionTask(ctx, st, id, model.TaskStateDeleted)
}

// AckTask acknowledges a failed task so the failure sweep stops retrying it.
func AckTask(ctx context.Context, st Store, id int64) (*model.Task, error) {
	return TransitionTask(ctx, st, id, model.TaskStateFailedAcked)
}
