package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/me/taskorch/pkg/model"
)

// maxResults bounds the result cache of a long-running subscriber.
const maxResults = 10000

// observer keeps the substrate-side view derived from the event stream:
// which queue each live host consumes and the results of finished tasks.
// Results are capped at limit entries; the oldest task's result is evicted
// first, so a result stays readable repeatedly until newer ones push it out.
type observer struct {
	mu      sync.Mutex
	active  map[string]string
	results map[int64]model.Result
	order   []int64 // result insertion order, oldest first
	limit   int
	waiters map[int64][]chan struct{}
}

func newObserver() *observer {
	return &observer{
		active:  make(map[string]string),
		results: make(map[int64]model.Result),
		limit:   maxResults,
		waiters: make(map[int64][]chan struct{}),
	}
}

func (o *observer) observe(ev model.Event) {
	switch e := ev.(type) {
	case model.WorkerEvent:
		o.mu.Lock()
		switch e.Type {
		case model.EventWorkerOffline:
			delete(o.active, e.Hostname)
		default:
			if e.Queue != "" {
				o.active[e.Hostname] = e.Queue
			}
		}
		o.mu.Unlock()
	case model.TaskEvent:
		if e.Result == nil {
			return
		}
		id, ok := e.ParseTaskID()
		if !ok {
			return
		}
		o.putResult(id, *e.Result)
	}
}

func (o *observer) setActive(hostname, queue string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if queue == "" {
		delete(o.active, hostname)
		return
	}
	o.active[hostname] = queue
}

func (o *observer) activeQueue(hostname string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.active[hostname]
	return q, ok
}

func (o *observer) putResult(taskID int64, res model.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.results[taskID]; !ok {
		o.order = append(o.order, taskID)
	}
	o.results[taskID] = res
	for len(o.order) > o.limit {
		delete(o.results, o.order[0])
		o.order = o.order[1:]
	}
	for _, ch := range o.waiters[taskID] {
		close(ch)
	}
	delete(o.waiters, taskID)
}

// waitResult blocks until a result for taskID is known, the timeout
// expires or ctx is done. A timeout yields ok=false and no error.
func (o *observer) waitResult(ctx context.Context, taskID int64, timeout time.Duration) (model.Result, bool, error) {
	o.mu.Lock()
	if res, ok := o.results[taskID]; ok {
		o.mu.Unlock()
		return res, true, nil
	}
	ch := make(chan struct{})
	o.waiters[taskID] = append(o.waiters[taskID], ch)
	o.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		o.mu.Lock()
		res, ok := o.results[taskID]
		o.mu.Unlock()
		return res, ok, nil
	case <-timer.C:
		o.dropWaiter(taskID, ch)
		return model.Result{}, false, nil
	case <-ctx.Done():
		o.dropWaiter(taskID, ch)
		return model.Result{}, false, ctx.Err()
	}
}

func (o *observer) dropWaiter(taskID int64, ch chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	waiters := o.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			o.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(o.waiters[taskID]) == 0 {
		delete(o.waiters, taskID)
	}
}
