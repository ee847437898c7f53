package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskorch/pkg/model"
)

// MemoryDispatcher is an in-process Dispatcher. Dispatches are recorded and
// events are fed in with Publish. Used by tests and the "memory" broker.
type MemoryDispatcher struct {
	obs    *observer
	events chan model.Event
	logger *slog.Logger

	mu         sync.Mutex
	dispatched []Request
	failWith   error
	closed     bool
}

// NewMemoryDispatcher creates a dispatcher whose event stream buffers up to
// buffer events.
func NewMemoryDispatcher(buffer int, logger *slog.Logger) *MemoryDispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryDispatcher{
		obs:    newObserver(),
		events: make(chan model.Event, buffer),
		logger: logger.With("component", "dispatch", "broker", "memory"),
	}
}

func (d *MemoryDispatcher) Dispatch(_ context.Context, req Request) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Handle{}, ErrClosed
	}
	if d.failWith != nil {
		return Handle{}, d.failWith
	}
	d.dispatched = append(d.dispatched, req)
	d.logger.Debug("dispatched", "task_id", req.TaskID, "queue", req.RoutingKey)
	return Handle{ID: uuid.New().String(), TaskID: req.TaskID, Queue: req.RoutingKey, SentAt: time.Now().UTC()}, nil
}

// Dispatched returns a copy of every accepted request, in order.
func (d *MemoryDispatcher) Dispatched() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.dispatched))
	copy(out, d.dispatched)
	return out
}

// DispatchedTaskIDs returns the task ids of every accepted request, in order.
func (d *MemoryDispatcher) DispatchedTaskIDs() []int64 {
	reqs := d.Dispatched()
	ids := make([]int64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.TaskID
	}
	return ids
}

// Reset forgets recorded dispatches.
func (d *MemoryDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = nil
}

// FailWith makes subsequent dispatches fail with err (nil restores success).
func (d *MemoryDispatcher) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// SetActiveQueue sets what InspectActiveQueue reports for hostname.
// An empty queue clears it.
func (d *MemoryDispatcher) SetActiveQueue(hostname, queue string) {
	d.obs.setActive(hostname, queue)
}

// Publish enqueues an event on the stream.
func (d *MemoryDispatcher) Publish(ev model.Event) {
	d.events <- ev
}

func (d *MemoryDispatcher) Subscribe(_ context.Context, types ...model.EventType) (Subscription, error) {
	return &memorySubscription{d: d, filter: typeFilter(types)}, nil
}

func (d *MemoryDispatcher) InspectActiveQueue(_ context.Context, hostname string) (string, bool, error) {
	q, ok := d.obs.activeQueue(hostname)
	return q, ok, nil
}

func (d *MemoryDispatcher) GetResult(ctx context.Context, taskID int64, timeout time.Duration) (model.Result, bool, error) {
	return d.obs.waitResult(ctx, taskID, timeout)
}

// Close ends every subscription once buffered events are drained.
func (d *MemoryDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

type memorySubscription struct {
	d      *MemoryDispatcher
	filter map[model.EventType]bool
}

func (s *memorySubscription) Next(ctx context.Context) (model.Event, func(context.Context) error, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case ev, ok := <-s.d.events:
			if !ok {
				return nil, nil, ErrClosed
			}
			if s.filter != nil && !s.filter[ev.EventType()] {
				continue
			}
			s.d.obs.observe(ev)
			return ev, func(context.Context) error { return nil }, nil
		}
	}
}

func (s *memorySubscription) Close() error { return nil }
