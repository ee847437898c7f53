package scheduler

import "context"

// Scheduler decides which tasks are eligible to run and dispatches them.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling cycle. Used for testing.
	Tick(ctx context.Context) error
}
