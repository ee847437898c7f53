package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/me/taskorch/internal/dispatch"
	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	// WaitTime is the pause between two cycles.
	WaitTime time.Duration
	// RetryCooldown is how long a FAILED task waits before it is re-dispatched.
	RetryCooldown time.Duration
	// MaxRetries caps the failure sweep per task, counted from FAILED task
	// log rows. 0 means unbounded.
	MaxRetries int
	// RetryFunctions lets the failure sweep re-dispatch FUNCTION scripts too.
	RetryFunctions bool
	// QueueTTL deactivates an active queue once none of its workers has been
	// seen for this long. 0 disables expiry.
	QueueTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WaitTime:      10 * time.Second,
		RetryCooldown: 5 * time.Minute,
	}
}

// Loop implements the Scheduler interface with a polling-based scheduling loop.
type Loop struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	config     Config
	logger     *slog.Logger
	now        func() time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, d dispatch.Dispatcher, cfg Config, logger *slog.Logger) *Loop {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = DefaultConfig().WaitTime
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = DefaultConfig().RetryCooldown
	}
	return &Loop{
		store:      st,
		dispatcher: d,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
// The first cycle runs immediately; a cycle is never interrupted.
func (l *Loop) Start(ctx context.Context) error {
	defer close(l.doneCh)
	l.logger.Info("scheduler started", "wait_time", l.config.WaitTime, "retry_cooldown", l.config.RetryCooldown)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-timer.C:
			// A started cycle runs to completion; cancellation is seen at the next boundary.
			if err := l.Tick(context.WithoutCancel(ctx)); err != nil {
				l.logger.Error("tick error", "error", err)
			}
			timer.Reset(l.config.WaitTime)
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current cycle to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling cycle. The passes are independent: a failure
// in one does not skip the others.
func (l *Loop) Tick(ctx context.Context) error {
	c := newCycle(l)
	var errs []error

	if l.config.QueueTTL > 0 {
		if err := l.expireQueues(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue expiry: %w", err))
		}
	}

	// Pass A: dispatch PRERUN tasks whose gates are open.
	if err := l.intakePrerun(ctx, c); err != nil {
		errs = append(errs, fmt.Errorf("prerun intake: %w", err))
	}

	// Pass B: re-dispatch FAILED tasks past the cooldown.
	if err := l.sweepFailed(ctx, c); err != nil {
		errs = append(errs, fmt.Errorf("failure sweep: %w", err))
	}

	return errors.Join(errs...)
}

// cycle memoizes queue and script lookups for one Tick.
type cycle struct {
	l       *Loop
	now     time.Time
	queues  map[int64]*model.WorkerQueue
	scripts map[int64]*model.Script
}

func newCycle(l *Loop) *cycle {
	return &cycle{
		l:       l,
		now:     l.now().UTC(),
		queues:  make(map[int64]*model.WorkerQueue),
		scripts: make(map[int64]*model.Script),
	}
}

func (c *cycle) queue(ctx context.Context, id int64) (*model.WorkerQueue, error) {
	if q, ok := c.queues[id]; ok {
		return q, nil
	}
	q, err := c.l.store.GetWorkerQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	c.queues[id] = q
	return q, nil
}

func (c *cycle) script(ctx context.Context, id int64) (*model.Script, error) {
	if s, ok := c.scripts[id]; ok {
		return s, nil
	}
	s, err := c.l.store.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}
	c.scripts[id] = s
	return s, nil
}

// intakePrerun dispatches undispatched PRERUN tasks whose queue is active and
// whose parent and dependencies have all succeeded.
func (l *Loop) intakePrerun(ctx context.Context, c *cycle) error {
	tasks, err := l.store.ListPrerunTasks(ctx)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		queue, err := c.queue(ctx, task.WorkerQueueID)
		if err != nil {
			l.logger.Error("get queue", "task_id", task.ID, "queue_id", task.WorkerQueueID, "error", err)
			continue
		}
		if queue == nil || !queue.IsActive() {
			continue
		}

		script, err := c.script(ctx, task.ScriptID)
		if err != nil {
			l.logger.Error("get script", "task_id", task.ID, "script_id", task.ScriptID, "error", err)
			continue
		}
		if script == nil || !script.IsActive() {
			l.logger.Debug("script not runnable", "task_id", task.ID, "script_id", task.ScriptID)
			continue
		}

		ready, err := l.gatesOpen(ctx, task)
		if err != nil {
			l.logger.Error("evaluate gates", "task_id", task.ID, "error", err)
			continue
		}
		if !ready {
			continue
		}

		l.dispatchTask(ctx, c, task, script, queue)
	}
	return nil
}

// gatesOpen reports whether the parent (if any) and every dependency are SUCCEED.
func (l *Loop) gatesOpen(ctx context.Context, task *model.Task) (bool, error) {
	if task.HasParent() {
		parent, err := l.store.GetTask(ctx, *task.ParentID)
		if err != nil {
			return false, fmt.Errorf("get parent %d: %w", *task.ParentID, err)
		}
		if parent == nil || parent.State != model.TaskStateSucceed {
			return false, nil
		}
	}

	deps, err := l.store.ListDependTasks(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("list dependencies: %w", err)
	}
	for _, dep := range deps {
		if dep.State != model.TaskStateSucceed {
			return false, nil
		}
	}
	return true, nil
}

// sweepFailed re-dispatches FAILED tasks whose last run is older than the
// retry cooldown.
func (l *Loop) sweepFailed(ctx context.Context, c *cycle) error {
	tasks, err := l.store.GetTasksByState(ctx, model.TaskStateFailed)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.RunAt != nil && c.now.Sub(*task.RunAt) <= l.config.RetryCooldown {
			continue
		}

		script, err := c.script(ctx, task.ScriptID)
		if err != nil {
			l.logger.Error("get script", "task_id", task.ID, "script_id", task.ScriptID, "error", err)
			continue
		}
		if script == nil || !script.IsActive() {
			continue
		}
		if !script.IsScript() && !l.config.RetryFunctions {
			continue
		}

		if l.config.MaxRetries > 0 {
			failures, err := l.store.CountTaskLogs(ctx, task.ID, model.TaskStateFailed)
			if err != nil {
				l.logger.Error("count failures", "task_id", task.ID, "error", err)
				continue
			}
			if failures >= l.config.MaxRetries {
				l.logger.Debug("retry limit reached", "task_id", task.ID, "failures", failures)
				continue
			}
		}

		queue, err := c.queue(ctx, task.WorkerQueueID)
		if err != nil {
			l.logger.Error("get queue", "task_id", task.ID, "queue_id", task.WorkerQueueID, "error", err)
			continue
		}
		if queue == nil {
			continue
		}

		l.logger.Info("retrying failed task", "task_id", task.ID, "run_at", task.RunAt)
		l.dispatchTask(ctx, c, task, script, queue)
	}
	return nil
}

// dispatchTask sends the task to its queue and marks run_at on success.
// A dispatch failure leaves the task untouched for the next cycle.
func (l *Loop) dispatchTask(ctx context.Context, c *cycle, task *model.Task, script *model.Script, queue *model.WorkerQueue) {
	req := BuildRequest(task, script, queue)

	h, err := l.dispatcher.Dispatch(ctx, req)
	if err != nil {
		l.logger.Error("dispatch", "task_id", task.ID, "queue", queue.Name, "error", err)
		return
	}

	err = l.store.InTx(ctx, func(tx store.Store) error {
		return tx.SetTaskRunAt(ctx, task.ID, c.now)
	})
	if err != nil {
		l.logger.Error("mark dispatched", "task_id", task.ID, "error", err)
		return
	}

	l.logger.Info("task dispatched", "task_id", task.ID, "title", task.Title, "queue", queue.Name, "kind", req.Kind, "handle", h.ID)
}

// BuildRequest assembles the dispatch request for a task: script default
// options overlaid by the task's options, routed to the task's queue.
func BuildRequest(task *model.Task, script *model.Script, queue *model.WorkerQueue) dispatch.Request {
	req := dispatch.Request{
		Kind:       dispatch.KindFor(script.Type),
		Reference:  script.Cmd,
		Options:    model.MergeOptions(script.DefaultOptions, task.Options),
		RoutingKey: queue.Name,
		TaskID:     task.ID,
	}
	if task.HasParent() {
		req.SideChannel = map[string]string{"parent_id": strconv.FormatInt(*task.ParentID, 10)}
	}
	return req
}

// expireQueues marks active queues inactive once every worker serving them
// has been silent for longer than QueueTTL. Queues without workers are left alone.
func (l *Loop) expireQueues(ctx context.Context) error {
	queues, err := l.store.ListWorkerQueues(ctx)
	if err != nil {
		return err
	}
	cutoff := l.now().UTC().Add(-l.config.QueueTTL)

	for _, q := range queues {
		if !q.IsActive() {
			continue
		}
		workers, err := l.store.ListWorkersByQueue(ctx, q.ID)
		if err != nil {
			l.logger.Error("list workers", "queue", q.Name, "error", err)
			continue
		}
		if len(workers) == 0 || anySeenSince(workers, cutoff) {
			continue
		}

		err = l.store.InTx(ctx, func(tx store.Store) error {
			q.State = model.QueueStateInactive
			return tx.UpdateWorkerQueue(ctx, q)
		})
		if err != nil {
			l.logger.Error("deactivate queue", "queue", q.Name, "error", err)
			continue
		}
		l.logger.Info("queue deactivated", "queue", q.Name, "ttl", l.config.QueueTTL)
	}
	return nil
}

func anySeenSince(workers []*model.Worker, cutoff time.Time) bool {
	for _, w := range workers {
		if w.LastSeen != nil && w.LastSeen.After(cutoff) {
			return true
		}
	}
	return false
}
