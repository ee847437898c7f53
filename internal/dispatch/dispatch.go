// Package dispatch hands tasks to the remote execution substrate and
// exposes the lifecycle event stream it produces.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/me/taskorch/pkg/model"
)

var (
	// ErrMalformedEvent is returned by Subscription.Next for a payload that
	// could not be decoded. The message has already been acknowledged.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrClosed is returned after the dispatcher or subscription is closed.
	ErrClosed = errors.New("dispatcher closed")
)

// Kind selects how the runner executes the reference.
type Kind string

const (
	KindScript   Kind = "script"
	KindFunction Kind = "function"
)

// KindFor maps a script type to a dispatch kind.
func KindFor(t model.ScriptType) Kind {
	if t == model.ScriptTypeFunction {
		return KindFunction
	}
	return KindScript
}

// Request describes one dispatch.
type Request struct {
	Kind       Kind
	Reference  string // shell command or dotted function reference
	Options    model.Options
	RoutingKey string // queue name
	TaskID     int64
	// SideChannel carries context that is not part of the options,
	// currently only "parent_id".
	SideChannel map[string]string
}

// Environment returns the options as runner environment, plus TASK_ID and
// PARENT_ID.
func (r Request) Environment() []string {
	env := r.Options.Environment()
	env = append(env, "TASK_ID="+strconv.FormatInt(r.TaskID, 10))
	env = append(env, "PARENT_ID="+r.SideChannel["parent_id"])
	return env
}

// Handle identifies an accepted dispatch.
type Handle struct {
	ID     string
	TaskID int64
	Queue  string
	SentAt time.Time
}

// Subscription is a stream of lifecycle events.
type Subscription interface {
	// Next blocks until an event is available. The returned ack function
	// must be called once the event has been handled.
	Next(ctx context.Context) (model.Event, func(context.Context) error, error)
	Close() error
}

// Dispatcher is the execution substrate as seen by the scheduler and the
// state updater.
type Dispatcher interface {
	// Dispatch is fire-and-forget: it returns once the request is accepted.
	Dispatch(ctx context.Context, req Request) (Handle, error)

	// Subscribe streams events of the given types (all types if none given).
	Subscribe(ctx context.Context, types ...model.EventType) (Subscription, error)

	// InspectActiveQueue reports the queue a host currently consumes.
	InspectActiveQueue(ctx context.Context, hostname string) (string, bool, error)

	// GetResult waits up to timeout for the result of a finished task.
	// ok is false when no result arrived in time.
	GetResult(ctx context.Context, taskID int64, timeout time.Duration) (res model.Result, ok bool, err error)

	Close() error
}

// dispatchMessage is the payload written to a queue topic.
type dispatchMessage struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Kind      Kind              `json:"kind"`
	Reference string            `json:"reference"`
	Options   model.Options     `json:"options"`
	Env       []string          `json:"env"`
	Queue     string            `json:"queue"`
	Info      map[string]string `json:"additional_info,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

func newDispatchMessage(id string, req Request, now time.Time) dispatchMessage {
	return dispatchMessage{
		ID:        id,
		TaskID:    strconv.FormatInt(req.TaskID, 10),
		Kind:      req.Kind,
		Reference: req.Reference,
		Options:   req.Options,
		Env:       req.Environment(),
		Queue:     req.RoutingKey,
		Info:      req.SideChannel,
		SentAt:    now,
	}
}

// typeFilter returns nil (accept everything) for an empty type list.
func typeFilter(types []model.EventType) map[model.EventType]bool {
	if len(types) == 0 {
		return nil
	}
	m := make(map[model.EventType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
