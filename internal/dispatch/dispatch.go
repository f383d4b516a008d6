// Package dispatch implements the per-function worker dispatcher: the
// component that hands a new call to a ready worker, or defers it until one
// is free.
//
// One Dispatcher exists per func_id, created lazily the first worker or
// call for that function shows up. Its shape mirrors the pooled-VM
// acquire/release bookkeeping the platform this gateway grew out of used
// for the firecracker backend, adapted here to a plain worker-registry
// instead of a cold-start pool: workers are pre-existing connections, not
// resources the dispatcher creates on demand.
package dispatch

import (
	"sync"
	"time"

	"github.com/oriys/nova/internal/circuitbreaker"
	"github.com/oriys/nova/internal/conn"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/wire"
)

type queuedCall struct {
	call        wire.FuncCall
	parentCall  uint64
	inputSize   int
	inline      []byte
	useShmInput bool
}

type outstandingCall struct {
	worker       conn.Sender
	dispatchedAt time.Time
}

// Stats is a point-in-time snapshot of a Dispatcher's counters.
type Stats struct {
	Workers              int
	Ready                int
	Outstanding          int
	Queued               int
	Completed            int64
	TotalProcessingMicros int64
	TotalDispatchMicros   int64
}

// Dispatcher routes calls for a single func_id to the workers registered
// for it, queuing internally when every worker is busy.
type Dispatcher struct {
	funcID uint16

	mu          sync.Mutex
	workers     map[string]conn.Sender
	busy        map[string]bool
	readyOrder  []string // FIFO of worker ids currently idle
	outstanding map[uint64]outstandingCall
	queue       []queuedCall
	maxQueue    int
	breaker     *circuitbreaker.Breaker

	completed             int64
	totalProcessingMicros int64
	totalDispatchMicros   int64
}

// New creates a Dispatcher for funcID. maxQueue <= 0 means unbounded
// internal queuing while every worker is busy. breaker may be nil, in which
// case dispatch failures never trip a breaker for this function.
func New(funcID uint16, maxQueue int, breaker *circuitbreaker.Breaker) *Dispatcher {
	return &Dispatcher{
		funcID:      funcID,
		workers:     make(map[string]conn.Sender),
		busy:        make(map[string]bool),
		outstanding: make(map[uint64]outstandingCall),
		maxQueue:    maxQueue,
		breaker:     breaker,
	}
}

// AddWorker registers w as available to take calls for this func_id.
func (d *Dispatcher) AddWorker(w conn.Sender) {
	d.mu.Lock()
	d.workers[w.ID()] = w
	d.readyOrder = append(d.readyOrder, w.ID())
	toSend := d.drainLocked()
	d.mu.Unlock()
	d.sendAll(toSend)
}

// RemoveWorker deregisters w and returns the calls that were outstanding on
// it, for the caller to discard.
func (d *Dispatcher) RemoveWorker(id string) []wire.FuncCall {
	d.mu.Lock()
	delete(d.workers, id)
	delete(d.busy, id)
	d.removeFromReadyLocked(id)

	var lost []wire.FuncCall
	for full, oc := range d.outstanding {
		if oc.worker.ID() == id {
			lost = append(lost, wire.FuncCallFromFull(full))
			delete(d.outstanding, full)
		}
	}
	d.mu.Unlock()
	return lost
}

// OnNewFuncCall assigns call to a ready worker, or queues it internally if
// every known worker is busy. It returns false when no worker is registered
// for this func_id at all, the internal queue is already at capacity, the
// send to the selected worker fails, or the circuit breaker for this
// function is open: all four are dispatch failures the caller must surface.
// A breaker trips on the first three, never on the function's own execution
// result.
func (d *Dispatcher) OnNewFuncCall(call wire.FuncCall, parentCall uint64, inputSize int, inline []byte, useShmInput bool) bool {
	if d.breaker != nil && !d.breaker.Allow() {
		return false
	}

	d.mu.Lock()
	if len(d.workers) == 0 {
		d.mu.Unlock()
		d.recordDispatchFailure()
		return false
	}
	w := d.nextReadyLocked()
	if w == nil {
		if d.maxQueue > 0 && len(d.queue) >= d.maxQueue {
			d.mu.Unlock()
			d.recordDispatchFailure()
			return false
		}
		d.queue = append(d.queue, queuedCall{call, parentCall, inputSize, inline, useShmInput})
		d.mu.Unlock()
		d.recordDispatchSuccess()
		return true
	}
	d.markBusyLocked(w)
	d.outstanding[call.Full()] = outstandingCall{worker: w, dispatchedAt: time.Now()}
	d.mu.Unlock()

	if err := w.Send(buildInvoke(call, parentCall, inputSize, inline, useShmInput)); err != nil {
		d.mu.Lock()
		delete(d.outstanding, call.Full())
		d.mu.Unlock()
		d.recordDispatchFailure()
		return false
	}
	d.recordDispatchSuccess()
	return true
}

func (d *Dispatcher) recordDispatchSuccess() {
	if d.breaker != nil {
		d.breaker.RecordSuccess()
	}
}

func (d *Dispatcher) recordDispatchFailure() {
	if d.breaker != nil {
		d.breaker.RecordFailure()
	}
}

// OnFuncCallCompleted records a successful result and frees the worker that
// produced it, assigning it the next queued call if any.
func (d *Dispatcher) OnFuncCallCompleted(call wire.FuncCall, processingMicros, dispatchMicros int64) {
	d.mu.Lock()
	oc, ok := d.outstanding[call.Full()]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.outstanding, call.Full())
	d.completed++
	d.totalProcessingMicros += processingMicros
	d.totalDispatchMicros += dispatchMicros
	d.markIdleLocked(oc.worker)
	toSend := d.drainLocked()
	d.mu.Unlock()
	d.sendAll(toSend)
}

// OnFuncCallFailed records a failed result and frees the worker.
func (d *Dispatcher) OnFuncCallFailed(call wire.FuncCall, dispatchMicros int64) {
	d.mu.Lock()
	oc, ok := d.outstanding[call.Full()]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.outstanding, call.Full())
	d.totalDispatchMicros += dispatchMicros
	d.markIdleLocked(oc.worker)
	toSend := d.drainLocked()
	d.mu.Unlock()
	d.sendAll(toSend)
}

// Stats returns a snapshot of this dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Workers:               len(d.workers),
		Ready:                 len(d.readyOrder),
		Outstanding:           len(d.outstanding),
		Queued:                len(d.queue),
		Completed:             d.completed,
		TotalProcessingMicros: d.totalProcessingMicros,
		TotalDispatchMicros:   d.totalDispatchMicros,
	}
}

type pendingSend struct {
	worker conn.Sender
	msg    *wire.Message
}

// drainLocked assigns queued calls to any workers that are now ready,
// recording the outstanding entries but leaving the actual (blocking-ish)
// send for the caller to do outside the lock.
func (d *Dispatcher) drainLocked() []pendingSend {
	var out []pendingSend
	for len(d.queue) > 0 {
		w := d.nextReadyLocked()
		if w == nil {
			break
		}
		qc := d.queue[0]
		d.queue = d.queue[1:]
		d.markBusyLocked(w)
		d.outstanding[qc.call.Full()] = outstandingCall{worker: w, dispatchedAt: time.Now()}
		out = append(out, pendingSend{w, buildInvoke(qc.call, qc.parentCall, qc.inputSize, qc.inline, qc.useShmInput)})
	}
	return out
}

// sendAll performs the actual writes for calls drainLocked assigned to
// workers, outside the dispatcher's mutex. A worker whose send fails here
// is left marked busy with no outstanding entry; the registry will reap it
// when the connection's read loop observes the same failure.
func (d *Dispatcher) sendAll(sends []pendingSend) {
	for _, s := range sends {
		if err := s.worker.Send(s.msg); err != nil {
			logging.Op().Warn("dispatch: send to worker failed", "worker", s.worker.ID(), "error", err)
		}
	}
}

func (d *Dispatcher) nextReadyLocked() conn.Sender {
	for len(d.readyOrder) > 0 {
		id := d.readyOrder[0]
		d.readyOrder = d.readyOrder[1:]
		if w, ok := d.workers[id]; ok && !d.busy[id] {
			return w
		}
	}
	return nil
}

func (d *Dispatcher) markBusyLocked(w conn.Sender) {
	d.busy[w.ID()] = true
}

func (d *Dispatcher) markIdleLocked(w conn.Sender) {
	id := w.ID()
	if _, ok := d.workers[id]; !ok {
		return
	}
	d.busy[id] = false
	d.readyOrder = append(d.readyOrder, id)
}

func (d *Dispatcher) removeFromReadyLocked(id string) {
	out := d.readyOrder[:0]
	for _, x := range d.readyOrder {
		if x != id {
			out = append(out, x)
		}
	}
	d.readyOrder = out
}

func buildInvoke(call wire.FuncCall, parentCall uint64, inputSize int, inline []byte, useShmInput bool) *wire.Message {
	m := &wire.Message{
		Kind:         wire.KindInvokeFunc,
		FuncID:       call.FuncID,
		ClientID:     call.ClientID,
		CallID:       call.CallID,
		ParentCallID: parentCall,
	}
	if useShmInput {
		m.PayloadSize = -int32(inputSize)
	} else {
		m.PayloadSize = int32(len(inline))
		copy(m.Inline[:], inline)
	}
	return m
}
