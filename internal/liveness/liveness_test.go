package liveness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubInspector struct {
	queues map[string]string
	err    error
	calls  int
}

func (s *stubInspector) InspectActiveQueue(_ context.Context, hostname string) (string, bool, error) {
	s.calls++
	if s.err != nil {
		return "", false, s.err
	}
	q, ok := s.queues[hostname]
	return q, ok, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve_InspectionHitIsMemoized(t *testing.T) {
	insp := &stubInspector{queues: map[string]string{"w1": "default"}}
	tr := NewMemoryTracker(insp, testLogger())

	q, ok := tr.Resolve(context.Background(), "w1")
	if !ok || q != "default" {
		t.Fatalf("Resolve = (%q, %v), want (default, true)", q, ok)
	}
	if got, ok := tr.Get("w1"); !ok || got != "default" {
		t.Errorf("Get after Resolve = (%q, %v), want memoized default", got, ok)
	}
}

func TestResolve_FallsBackToLastKnown(t *testing.T) {
	insp := &stubInspector{queues: map[string]string{"w1": "default"}}
	tr := NewMemoryTracker(insp, testLogger())
	tr.Resolve(context.Background(), "w1")

	// Worker went quiet: inspection no longer reports a queue.
	delete(insp.queues, "w1")
	q, ok := tr.Resolve(context.Background(), "w1")
	if !ok || q != "default" {
		t.Errorf("Resolve after inspection miss = (%q, %v), want (default, true)", q, ok)
	}
}

func TestResolve_UnknownHost(t *testing.T) {
	tr := NewMemoryTracker(&stubInspector{queues: map[string]string{}}, testLogger())
	if q, ok := tr.Resolve(context.Background(), "ghost"); ok {
		t.Errorf("Resolve(ghost) = (%q, true), want unresolved", q)
	}
}

func TestResolve_InspectionErrorUsesMemo(t *testing.T) {
	insp := &stubInspector{err: errors.New("broker down")}
	tr := NewMemoryTracker(insp, testLogger())
	tr.Set("w2", "gpu")

	q, ok := tr.Resolve(context.Background(), "w2")
	if !ok || q != "gpu" {
		t.Errorf("Resolve = (%q, %v), want (gpu, true)", q, ok)
	}
}

func TestResolve_NewQueueReplacesOld(t *testing.T) {
	insp := &stubInspector{queues: map[string]string{"w1": "default"}}
	tr := NewMemoryTracker(insp, testLogger())
	tr.Resolve(context.Background(), "w1")

	insp.queues["w1"] = "batch"
	if q, _ := tr.Resolve(context.Background(), "w1"); q != "batch" {
		t.Errorf("Resolve = %q, want batch", q)
	}
}

func TestNilInspector(t *testing.T) {
	tr := NewMemoryTracker(nil, testLogger())
	if _, ok := tr.Resolve(context.Background(), "w1"); ok {
		t.Error("Resolve with nil inspector and no memo should fail")
	}
	tr.Set("w1", "default")
	if q, ok := tr.Resolve(context.Background(), "w1"); !ok || q != "default" {
		t.Errorf("Resolve = (%q, %v), want (default, true)", q, ok)
	}
}
