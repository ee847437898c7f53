package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType names a lifecycle event emitted by the execution substrate.
type EventType string

const (
	EventWorkerOnline    EventType = "worker-online"
	EventWorkerOffline   EventType = "worker-offline"
	EventWorkerHeartbeat EventType = "worker-heartbeat"

	EventTaskStarted   EventType = "task-started"
	EventTaskSucceeded EventType = "task-succeeded"
	EventTaskFailed    EventType = "task-failed"
	EventTaskRetried   EventType = "task-retried"
	EventTaskRejected  EventType = "task-rejected"
)

// AllEventTypes lists every event type the state updater subscribes to.
var AllEventTypes = []EventType{
	EventWorkerOnline, EventWorkerOffline, EventWorkerHeartbeat,
	EventTaskStarted, EventTaskSucceeded, EventTaskFailed, EventTaskRetried, EventTaskRejected,
}

// IsWorkerEvent reports whether t belongs to the worker/queue family.
func (t EventType) IsWorkerEvent() bool {
	return strings.HasPrefix(string(t), "worker-")
}

// IsTaskEvent reports whether t belongs to the task family.
func (t EventType) IsTaskEvent() bool {
	return strings.HasPrefix(string(t), "task-")
}

// taskEventStates maps task events to the state they imply.
// task-rejected is deliberately absent: it is recorded without a state change.
var taskEventStates = map[EventType]TaskState{
	EventTaskStarted:   TaskStateStarted,
	EventTaskSucceeded: TaskStateSucceed,
	EventTaskFailed:    TaskStateFailed,
	EventTaskRetried:   TaskStateRetried,
}

// TargetState returns the task state implied by a task event.
func (t EventType) TargetState() (TaskState, bool) {
	s, ok := taskEventStates[t]
	return s, ok
}

// Event is either a WorkerEvent or a TaskEvent.
type Event interface {
	EventType() EventType
	EventHostname() string
	isEvent()
}

// WorkerEvent reports a worker coming online, going offline or heartbeating.
// Queue is optional metadata; the state updater resolves queues through the
// liveness tracker rather than trusting it directly.
type WorkerEvent struct {
	Type      EventType
	Hostname  string
	Queue     string
	Timestamp time.Time
}

func (e WorkerEvent) EventType() EventType  { return e.Type }
func (e WorkerEvent) EventHostname() string { return e.Hostname }
func (WorkerEvent) isEvent()                {}

// TaskEvent reports a task lifecycle transition. TaskID is the raw
// identifier carried by the event; it may not belong to this system.
type TaskEvent struct {
	Type      EventType
	Hostname  string
	TaskID    string
	Timestamp time.Time
	Result    *Result
}

func (e TaskEvent) EventType() EventType  { return e.Type }
func (e TaskEvent) EventHostname() string { return e.Hostname }
func (TaskEvent) isEvent()                {}

// ParseTaskID converts the raw identifier into a Task id.
func (e TaskEvent) ParseTaskID() (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(e.TaskID), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Result is what the runner reports for a finished task.
type Result struct {
	ReturnCode int    `json:"return_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// EventMessage is the JSON envelope events travel in on the broker.
type EventMessage struct {
	Type      EventType `json:"type"`
	Hostname  string    `json:"hostname"`
	UUID      string    `json:"uuid,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Result    *Result   `json:"result,omitempty"`
}

// Event converts the envelope into its typed form.
func (m EventMessage) Event() (Event, error) {
	switch {
	case m.Type.IsWorkerEvent():
		return WorkerEvent{Type: m.Type, Hostname: m.Hostname, Queue: m.Queue, Timestamp: m.Timestamp}, nil
	case m.Type.IsTaskEvent():
		return TaskEvent{Type: m.Type, Hostname: m.Hostname, TaskID: m.UUID, Timestamp: m.Timestamp, Result: m.Result}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", m.Type)
}

// NewEventMessage builds the envelope for an event.
func NewEventMessage(ev Event) EventMessage {
	m := EventMessage{Type: ev.EventType(), Hostname: ev.EventHostname()}
	switch e := ev.(type) {
	case WorkerEvent:
		m.Queue = e.Queue
		m.Timestamp = e.Timestamp
	case TaskEvent:
		m.UUID = e.TaskID
		m.Timestamp = e.Timestamp
		m.Result = e.Result
	}
	return m
}

// DecodeEvent parses a broker payload into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var m EventMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if m.Hostname == "" {
		return nil, fmt.Errorf("decode event: missing hostname")
	}
	return m.Event()
}
