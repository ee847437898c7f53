package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePrerun      TaskState = "PRERUN"
	TaskStateStarted     TaskState = "STARTED"
	TaskStateSucceed     TaskState = "SUCCEED"
	TaskStateFailed      TaskState = "FAILED"
	TaskStateRetried     TaskState = "RETRIED"
	TaskStateFailedAcked TaskState = "FAILED-ACKED"
	TaskStateDeleted     TaskState = "DELETED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// Valid reports whether s is one of the known task states.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePrerun, TaskStateStarted, TaskStateSucceed, TaskStateFailed,
		TaskStateRetried, TaskStateFailedAcked, TaskStateDeleted:
		return true
	}
	return false
}

// IsTerminal returns true if no further transition is expected.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceed, TaskStateFailedAcked, TaskStateDeleted:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// Event-driven transitions are applied by the state updater regardless of
// this table (the event stream is authoritative); the table guards the
// external writes (acknowledge, delete).
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePrerun:      {TaskStateStarted, TaskStateDeleted},
	TaskStateStarted:     {TaskStateSucceed, TaskStateFailed, TaskStateRetried, TaskStateDeleted},
	TaskStateRetried:     {TaskStateStarted, TaskStateSucceed, TaskStateFailed, TaskStateDeleted},
	TaskStateFailed:      {TaskStateStarted, TaskStateFailedAcked, TaskStateDeleted},
	TaskStateSucceed:     {TaskStateDeleted},
	TaskStateFailedAcked: {TaskStateDeleted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerState represents the liveness of a Worker.
type WorkerState string

const (
	WorkerStateOnline  WorkerState = "ONLINE"
	WorkerStateOffline WorkerState = "OFFLINE"
)

// String returns the string representation of the worker state.
func (s WorkerState) String() string {
	return string(s)
}

// QueueState is the inferred liveness of a WorkerQueue.
type QueueState string

const (
	QueueStateActive   QueueState = "active"
	QueueStateInactive QueueState = "inactive"
)

// String returns the string representation of the queue state.
func (s QueueState) String() string {
	return string(s)
}

// ScriptStatus marks whether a Script may still be dispatched.
type ScriptStatus string

const (
	ScriptStatusActive   ScriptStatus = "ACTIVE"
	ScriptStatusArchived ScriptStatus = "ARCHIVED"
)

// ScriptType selects how the runner interprets Script.Cmd.
type ScriptType string

const (
	// ScriptTypeScript is a shell command line.
	ScriptTypeScript ScriptType = "SCRIPT"
	// ScriptTypeFunction is a dotted function reference.
	ScriptTypeFunction ScriptType = "FUNCTION"
)
