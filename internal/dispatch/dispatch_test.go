package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/me/taskorch/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKindFor(t *testing.T) {
	if KindFor(model.ScriptTypeScript) != KindScript {
		t.Error("SCRIPT should map to script")
	}
	if KindFor(model.ScriptTypeFunction) != KindFunction {
		t.Error("FUNCTION should map to function")
	}
}

func TestRequest_Environment(t *testing.T) {
	req := Request{
		Options:     model.Options{"TIMEOUT": "1", "RETRIES": int64(2)},
		TaskID:      12,
		SideChannel: map[string]string{"parent_id": "7"},
	}
	want := []string{"RETRIES=2", "TIMEOUT=1", "TASK_ID=12", "PARENT_ID=7"}
	if got := req.Environment(); !reflect.DeepEqual(got, want) {
		t.Errorf("Environment = %v, want %v", got, want)
	}

	req.SideChannel = nil
	env := req.Environment()
	if env[len(env)-1] != "PARENT_ID=" {
		t.Errorf("PARENT_ID without parent = %q, want empty", env[len(env)-1])
	}
}

func TestDispatchMessage_JSON(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := newDispatchMessage("h-1", Request{
		Kind:       KindScript,
		Reference:  "echo hi",
		Options:    model.Options{"TIMEOUT": "1"},
		RoutingKey: "default",
		TaskID:     5,
	}, now)

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["task_id"] != "5" || decoded["kind"] != "script" || decoded["queue"] != "default" {
		t.Errorf("dispatch message = %s", b)
	}
	if _, ok := decoded["additional_info"]; ok {
		t.Errorf("additional_info should be omitted without a parent: %s", b)
	}
}

func TestNewKafkaDispatcher_Validation(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.Brokers = nil
	if _, err := NewKafkaDispatcher(cfg, testLogger()); err == nil {
		t.Error("expected error without brokers")
	}

	d, err := NewKafkaDispatcher(DefaultKafkaConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewKafkaDispatcher: %v", err)
	}
	defer d.Close()
	if got := d.TopicFor("default"); got != "taskorch.queue.default" {
		t.Errorf("TopicFor = %q", got)
	}
	if _, err := d.Dispatch(context.Background(), Request{TaskID: 1}); err == nil {
		t.Error("expected error for empty routing key")
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" a:9092, ,b:9092,")
	if !reflect.DeepEqual(got, []string{"a:9092", "b:9092"}) {
		t.Errorf("SplitBrokers = %v", got)
	}
}

func TestMemoryDispatcher_RecordsAndFails(t *testing.T) {
	d := NewMemoryDispatcher(8, testLogger())
	ctx := context.Background()

	h, err := d.Dispatch(ctx, Request{TaskID: 1, RoutingKey: "default"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if h.ID == "" || h.Queue != "default" {
		t.Errorf("handle = %+v", h)
	}

	d.FailWith(errors.New("unreachable"))
	if _, err := d.Dispatch(ctx, Request{TaskID: 2, RoutingKey: "default"}); err == nil {
		t.Error("expected dispatch failure")
	}
	d.FailWith(nil)

	if ids := d.DispatchedTaskIDs(); !reflect.DeepEqual(ids, []int64{1}) {
		t.Errorf("DispatchedTaskIDs = %v, want [1]", ids)
	}
}

func TestMemorySubscription_FilterAndObserve(t *testing.T) {
	d := NewMemoryDispatcher(8, testLogger())
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, model.EventWorkerOnline, model.EventTaskSucceeded)
	if err != nil {
		t.Fatal(err)
	}

	d.Publish(model.TaskEvent{Type: model.EventTaskStarted, Hostname: "w1", TaskID: "1"})
	d.Publish(model.WorkerEvent{Type: model.EventWorkerOnline, Hostname: "w1", Queue: "default"})
	d.Publish(model.TaskEvent{Type: model.EventTaskSucceeded, Hostname: "w1", TaskID: "1", Result: &model.Result{Stdout: "done"}})
	d.Close()

	var got []model.EventType
	for {
		ev, ack, err := sub.Next(ctx)
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, ev.EventType())
		if err := ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	want := []model.EventType{model.EventWorkerOnline, model.EventTaskSucceeded}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	if q, ok, _ := d.InspectActiveQueue(ctx, "w1"); !ok || q != "default" {
		t.Errorf("InspectActiveQueue = (%q, %v), want (default, true)", q, ok)
	}
	res, ok, err := d.GetResult(ctx, 1, time.Millisecond)
	if err != nil || !ok || res.Stdout != "done" {
		t.Errorf("GetResult = (%+v, %v, %v)", res, ok, err)
	}
}

func TestObserver_OfflineClearsActiveQueue(t *testing.T) {
	o := newObserver()
	o.observe(model.WorkerEvent{Type: model.EventWorkerHeartbeat, Hostname: "w1", Queue: "default"})
	o.observe(model.WorkerEvent{Type: model.EventWorkerOffline, Hostname: "w1"})
	if _, ok := o.activeQueue("w1"); ok {
		t.Error("offline worker still reports an active queue")
	}
}

func TestObserver_WaitResultTimeout(t *testing.T) {
	o := newObserver()
	start := time.Now()
	res, ok, err := o.waitResult(context.Background(), 9, 20*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("waitResult = (%+v, %v, %v), want empty result", res, ok, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("waitResult returned before the timeout")
	}
	if len(o.waiters) != 0 {
		t.Errorf("waiters leaked: %v", o.waiters)
	}
}

func TestObserver_WaitResultWakesUp(t *testing.T) {
	o := newObserver()
	done := make(chan model.Result, 1)
	go func() {
		res, _, _ := o.waitResult(context.Background(), 3, time.Second)
		done <- res
	}()

	// Let the waiter register, then publish.
	time.Sleep(10 * time.Millisecond)
	o.putResult(3, model.Result{ReturnCode: 1, Stderr: "boom"})

	select {
	case res := <-done:
		if res.ReturnCode != 1 || res.Stderr != "boom" {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestObserver_ResultCacheBounded(t *testing.T) {
	o := newObserver()
	o.limit = 2
	o.putResult(1, model.Result{Stdout: "one"})
	o.putResult(2, model.Result{Stdout: "two"})
	o.putResult(2, model.Result{Stdout: "two again"})
	o.putResult(3, model.Result{Stdout: "three"})

	if len(o.results) != 2 || len(o.order) != 2 {
		t.Fatalf("cache holds %d results (%d ordered), want 2", len(o.results), len(o.order))
	}
	if _, ok := o.results[1]; ok {
		t.Error("oldest result was not evicted")
	}

	// A cached result can be read more than once.
	for i := 0; i < 2; i++ {
		res, ok, err := o.waitResult(context.Background(), 2, time.Millisecond)
		if err != nil || !ok || res.Stdout != "two again" {
			t.Fatalf("read %d = (%+v, %v, %v)", i, res, ok, err)
		}
	}
}
