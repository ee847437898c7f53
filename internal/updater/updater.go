// Package updater folds lifecycle events from the execution substrate into
// the persisted worker, queue and task state.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/taskorch/internal/dispatch"
	"github.com/me/taskorch/internal/liveness"
	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/pkg/model"
)

// readBackoff is the pause after a failed read from the event stream.
const readBackoff = 500 * time.Millisecond

// Updater consumes the event stream one event at a time. Every event is
// applied in its own transaction.
type Updater struct {
	store      store.Store
	tracker    liveness.Tracker
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Updater.
func New(st store.Store, tracker liveness.Tracker, d dispatch.Dispatcher, logger *slog.Logger) *Updater {
	return &Updater{
		store:      st,
		tracker:    tracker,
		dispatcher: d,
		logger:     logger.With("component", "state-updater"),
		now:        time.Now,
	}
}

// Run subscribes to every worker and task event type and applies events
// until ctx is cancelled or the stream is closed. Each event is acknowledged
// once handled, whether it was applied, dropped or failed.
func (u *Updater) Run(ctx context.Context) error {
	sub, err := u.dispatcher.Subscribe(ctx, model.AllEventTypes...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	u.logger.Info("state updater started")
	for {
		ev, ack, err := sub.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				u.logger.Info("state updater stopping (context cancelled)")
				return ctx.Err()
			case errors.Is(err, dispatch.ErrClosed):
				u.logger.Info("state updater stopping (stream closed)")
				return nil
			case errors.Is(err, dispatch.ErrMalformedEvent):
				u.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			u.logger.Error("read event", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readBackoff):
			}
			continue
		}

		if err := u.Handle(ctx, ev); err != nil {
			u.logger.Error("apply event", "type", ev.EventType(), "hostname", ev.EventHostname(), "error", err)
		}
		if err := ack(ctx); err != nil {
			u.logger.Warn("ack event", "type", ev.EventType(), "error", err)
		}
	}
}

// Handle applies a single event. Events that cannot be associated with a
// known queue or task are dropped and yield nil; an error means the event's
// transaction was rolled back.
func (u *Updater) Handle(ctx context.Context, ev model.Event) error {
	switch e := ev.(type) {
	case model.WorkerEvent:
		return u.handleWorker(ctx, e)
	case model.TaskEvent:
		return u.handleTask(ctx, e)
	default:
		u.logger.Info("dropping unknown event", "type", ev.EventType())
		return nil
	}
}

func workerStateFor(t model.EventType) model.WorkerState {
	if t == model.EventWorkerOffline {
		return model.WorkerStateOffline
	}
	return model.WorkerStateOnline
}

func (u *Updater) handleWorker(ctx context.Context, ev model.WorkerEvent) error {
	queueName, ok := u.tracker.Resolve(ctx, ev.Hostname)
	if !ok {
		u.logger.Info("dropping worker event: queue unknown", "type", ev.Type, "hostname", ev.Hostname)
		return nil
	}
	now := u.now().UTC()

	return u.store.InTx(ctx, func(tx store.Store) error {
		queue, err := tx.GetWorkerQueueByName(ctx, queueName)
		if err != nil {
			return fmt.Errorf("get queue %q: %w", queueName, err)
		}
		switch {
		case queue == nil:
			queue = &model.WorkerQueue{Name: queueName, State: model.QueueStateActive}
			if err := tx.CreateWorkerQueue(ctx, queue); err != nil {
				return fmt.Errorf("create queue %q: %w", queueName, err)
			}
			u.logger.Info("queue created", "queue", queueName)
		case !queue.IsActive():
			queue.State = model.QueueStateActive
			if err := tx.UpdateWorkerQueue(ctx, queue); err != nil {
				return fmt.Errorf("activate queue %q: %w", queueName, err)
			}
			u.logger.Info("queue activated", "queue", queueName)
		}

		worker, err := u.upsertWorker(ctx, tx, ev.Hostname)
		if err != nil {
			return err
		}

		want := workerStateFor(ev.Type)
		if worker.State != want {
			u.logger.Info("worker state changed", "hostname", ev.Hostname, "from", worker.State, "to", want)
			worker.State = want
		}
		worker.QueueID = &queue.ID
		worker.LastSeen = &now
		if err := tx.UpdateWorker(ctx, worker); err != nil {
			return fmt.Errorf("update worker %q: %w", ev.Hostname, err)
		}
		return nil
	})
}

func (u *Updater) handleTask(ctx context.Context, ev model.TaskEvent) error {
	id, ok := ev.ParseTaskID()
	if !ok {
		u.logger.Info("dropping task event: not a task id", "type", ev.Type, "task_id", ev.TaskID)
		return nil
	}
	now := u.now().UTC()

	return u.store.InTx(ctx, func(tx store.Store) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("get task %d: %w", id, err)
		}
		if task == nil {
			u.logger.Error("dropping task event: task not found", "type", ev.Type, "task_id", id)
			return nil
		}

		// task-rejected keeps the current state but is still logged.
		target, ok := ev.Type.TargetState()
		if !ok {
			target = task.State
		}
		if target == model.TaskStateStarted {
			task.RunAt = &now
		}
		prev := task.State
		task.State = target
		if err := tx.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("update task %d: %w", id, err)
		}

		worker, err := u.upsertWorker(ctx, tx, ev.Hostname)
		if err != nil {
			return err
		}
		entry := &model.TaskLog{TaskID: id, RunAt: now, State: target, WorkerID: worker.ID}
		if err := tx.AppendTaskLog(ctx, entry); err != nil {
			return fmt.Errorf("append task log %d: %w", id, err)
		}

		u.logger.Info("task event applied", "type", ev.Type, "task_id", id, "from", prev, "to", target, "hostname", ev.Hostname)
		return nil
	})
}

// upsertWorker returns the worker named hostname, creating it OFFLINE when absent.
func (u *Updater) upsertWorker(ctx context.Context, tx store.Store, hostname string) (*model.Worker, error) {
	w, err := tx.GetWorkerByName(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("get worker %q: %w", hostname, err)
	}
	if w != nil {
		return w, nil
	}
	w = &model.Worker{Name: hostname, State: model.WorkerStateOffline}
	if err := tx.CreateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("create worker %q: %w", hostname, err)
	}
	u.logger.Info("worker registered", "hostname", hostname)
	return w, nil
}
