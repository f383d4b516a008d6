package dispatch

import (
	"testing"
	"time"

	"github.com/oriys/nova/internal/circuitbreaker"
	"github.com/oriys/nova/internal/wire"
)

type fakeWorker struct {
	id   string
	sent []*wire.Message
	fail bool
}

func (f *fakeWorker) ID() string { return f.id }
func (f *fakeWorker) Send(m *wire.Message) error {
	if f.fail {
		return errFake
	}
	f.sent = append(f.sent, m)
	return nil
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake send failure" }

func TestNoWorkerIsDispatchFailure(t *testing.T) {
	d := New(1, 0, nil)
	ok := d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 1}, 0, 3, []byte("abc"), false)
	if ok {
		t.Fatal("expected false with zero workers registered")
	}
}

func TestAssignsToReadyWorker(t *testing.T) {
	d := New(1, 0, nil)
	w := &fakeWorker{id: "w1"}
	d.AddWorker(w)

	ok := d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 7}, 0, 3, []byte("abc"), false)
	if !ok {
		t.Fatal("expected successful dispatch")
	}
	if len(w.sent) != 1 {
		t.Fatalf("worker got %d messages, want 1", len(w.sent))
	}
	if w.sent[0].CallID != 7 {
		t.Fatalf("CallID = %d, want 7", w.sent[0].CallID)
	}
}

func TestQueuesWhenAllBusy(t *testing.T) {
	d := New(1, 10, nil)
	w := &fakeWorker{id: "w1"}
	d.AddWorker(w)

	d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 1}, 0, 1, []byte("a"), false)
	ok := d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 2}, 0, 1, []byte("b"), false)
	if !ok {
		t.Fatal("expected call to queue, not fail")
	}
	if len(w.sent) != 1 {
		t.Fatalf("worker got %d messages before completion, want 1", len(w.sent))
	}

	d.OnFuncCallCompleted(wire.FuncCall{FuncID: 1, CallID: 1}, 100, 10)
	if len(w.sent) != 2 {
		t.Fatalf("worker got %d messages after drain, want 2", len(w.sent))
	}
	if w.sent[1].CallID != 2 {
		t.Fatalf("second dispatch CallID = %d, want 2", w.sent[1].CallID)
	}
}

func TestQueueOverflowFails(t *testing.T) {
	d := New(1, 1, nil)
	w := &fakeWorker{id: "w1"}
	d.AddWorker(w)

	d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 1}, 0, 1, []byte("a"), false)
	if ok := d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 2}, 0, 1, []byte("b"), false); !ok {
		t.Fatal("first queued call should succeed")
	}
	if ok := d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 3}, 0, 1, []byte("c"), false); ok {
		t.Fatal("queue is full, expected dispatch failure")
	}
}

func TestRemoveWorkerReturnsOutstanding(t *testing.T) {
	d := New(1, 0, nil)
	w := &fakeWorker{id: "w1"}
	d.AddWorker(w)
	d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 5}, 0, 1, []byte("a"), false)

	lost := d.RemoveWorker("w1")
	if len(lost) != 1 || lost[0].CallID != 5 {
		t.Fatalf("lost = %+v, want one call with CallID 5", lost)
	}
}

func TestBreakerTripsOnRepeatedDispatchFailure(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   time.Hour,
	})
	d := New(1, 0, breaker)

	// No worker registered: every attempt is a dispatch failure and should
	// eventually trip the breaker open.
	for i := 0; i < 5; i++ {
		d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: uint32(i)}, 0, 1, []byte("a"), false)
	}
	if breaker.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after repeated dispatch failures", breaker.State())
	}

	w := &fakeWorker{id: "w1"}
	d.AddWorker(w)
	if ok := d.OnNewFuncCall(wire.FuncCall{FuncID: 1, CallID: 99}, 0, 1, []byte("a"), false); ok {
		t.Fatal("expected dispatch to be rejected while breaker is open, even with a worker now available")
	}
}

func TestUnknownCompletionIsIgnored(t *testing.T) {
	d := New(1, 0, nil)
	w := &fakeWorker{id: "w1"}
	d.AddWorker(w)
	d.OnFuncCallCompleted(wire.FuncCall{FuncID: 1, CallID: 999}, 1, 1)
	stats := d.Stats()
	if stats.Completed != 0 {
		t.Fatalf("Completed = %d, want 0 for an unknown call id", stats.Completed)
	}
}
