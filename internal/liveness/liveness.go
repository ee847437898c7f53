// Package liveness maps worker hostnames to the queue they serve.
package liveness

import (
	"context"
	"log/slog"
	"sync"
)

// Inspector asks the execution substrate which queue a host is consuming.
type Inspector interface {
	InspectActiveQueue(ctx context.Context, hostname string) (queue string, ok bool, err error)
}

// Tracker resolves hostnames to queue names.
type Tracker interface {
	// Get returns the last known queue for hostname.
	Get(hostname string) (string, bool)
	// Set records that hostname serves queue.
	Set(hostname, queue string)
	// Resolve inspects hostname, memoizes a hit and falls back to the
	// last known mapping on a miss. ok is false when neither is available.
	Resolve(ctx context.Context, hostname string) (queue string, ok bool)
}

// MemoryTracker is an in-process Tracker backed by an Inspector.
type MemoryTracker struct {
	inspector Inspector
	logger    *slog.Logger

	mu    sync.RWMutex
	known map[string]string
}

// NewMemoryTracker creates a tracker. inspector may be nil, in which case
// Resolve only consults mappings recorded with Set.
func NewMemoryTracker(inspector Inspector, logger *slog.Logger) *MemoryTracker {
	return &MemoryTracker{
		inspector: inspector,
		logger:    logger.With("component", "liveness"),
		known:     make(map[string]string),
	}
}

func (t *MemoryTracker) Get(hostname string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.known[hostname]
	return q, ok
}

func (t *MemoryTracker) Set(hostname, queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[hostname] = queue
}

func (t *MemoryTracker) Resolve(ctx context.Context, hostname string) (string, bool) {
	if t.inspector != nil {
		queue, ok, err := t.inspector.InspectActiveQueue(ctx, hostname)
		if err != nil {
			t.logger.Warn("inspect active queue", "hostname", hostname, "error", err)
		} else if ok && queue != "" {
			t.Set(hostname, queue)
			return queue, true
		}
	}
	return t.Get(hostname)
}
