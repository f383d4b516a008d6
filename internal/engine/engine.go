// Package engine implements the invocation lifecycle engine: admission of
// new external calls, dispatch to per-function workers, routing of worker
// replies back to whoever is waiting on them, and reclamation of calls
// orphaned by a worker disconnect.
//
// A single mutex guards all of the engine's bookkeeping state (running and
// pending calls, the discard backlog, the per-func_id dispatcher table).
// No blocking I/O — no wire send, no sink write — ever happens while that
// mutex is held: every method collects what it needs to do under lock, then
// performs it after unlocking, the same discipline the firecracker executor
// this gateway is descended from used around its own VM pool mutex.
package engine

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/nova/internal/circuitbreaker"
	"github.com/oriys/nova/internal/conn"
	"github.com/oriys/nova/internal/dispatch"
	"github.com/oriys/nova/internal/funcconfig"
	"github.com/oriys/nova/internal/invocation"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/queue"
	"github.com/oriys/nova/internal/wire"
)

// MetricsSink receives the engine's observability signals. The concrete
// implementation lives in package metrics; tests can supply a no-op.
type MetricsSink interface {
	RecordIncoming(now time.Time)
	SetInflightExternal(n int64)
	SetPendingExternal(n int)
	ObserveMessageDelay(micros int64)
	IncInputShm()
	IncOutputShm()
	IncDiscarded()
	ObserveDispatch(funcID uint16, processingMicros, dispatchMicros int64)
}

// ClientRouter resolves the connection that originated a worker-to-worker
// call, so its completion (or discard) can be relayed back to it. The
// registry satisfies this interface; the engine only depends on the shape.
type ClientRouter interface {
	SenderForClientID(clientID uint16) (conn.Sender, bool)
}

// Config bounds the engine's admission policy.
type Config struct {
	// MaxRunningExternal caps concurrently dispatched external calls; 0
	// means unbounded (every admitted call dispatches immediately).
	MaxRunningExternal int
	// MaxQueuePerFunc caps a single function's internal dispatch queue
	// once every one of its workers is busy; 0 means unbounded.
	MaxQueuePerFunc int
	// Breaker configures the per-func_id circuit breaker applied to
	// dispatch attempts. The zero value disables circuit breaking
	// entirely (circuitbreaker.Registry.Get returns nil for it).
	Breaker circuitbreaker.Config
}

var errAlreadyFinished = errors.New("engine: ctx already finished")
var errDispatchFailure = errors.New("engine: dispatch failed")

// Engine owns the admission queue, the running-call table, and the
// per-func_id dispatcher table.
type Engine struct {
	cfg        Config
	funcConfig *funcconfig.Config
	metrics    MetricsSink
	router     ClientRouter
	notifier   queue.Notifier

	mu          sync.Mutex
	running     map[uint64]*invocation.Ctx
	pending     *list.List // of *invocation.Ctx, FIFO
	discarded   []wire.FuncCall
	dispatchers map[uint16]*dispatch.Dispatcher
	breakers    *circuitbreaker.Registry

	inflightExternal int64
	nextCallID       uint32
}

// New creates an Engine. Call SetRouter before accepting any worker
// connections: until it is set, internal call completions and discards
// cannot be routed back to their originator; completions are only logged
// and discards are only counted.
func New(cfg Config, fc *funcconfig.Config, metrics MetricsSink) *Engine {
	return &Engine{
		cfg:         cfg,
		funcConfig:  fc,
		metrics:     metrics,
		notifier:    queue.NewNoopNotifier(),
		running:     make(map[uint64]*invocation.Ctx),
		pending:     list.New(),
		dispatchers: make(map[uint16]*dispatch.Dispatcher),
		breakers:    circuitbreaker.NewRegistry(),
	}
}

// SetRouter wires the client router used to relay internal call traffic.
func (e *Engine) SetRouter(r ClientRouter) {
	e.router = r
}

// BreakerStates reports the current circuit-breaker state for every
// func_id that has a dispatcher (created on its first call or first worker
// handshake), keyed by func_id string. It is empty when the breaker config
// disables circuit breaking.
func (e *Engine) BreakerStates() map[string]string {
	return e.breakers.Snapshot()
}

// SetNotifier wires a cross-process fan-out for discard events. A
// horizontally scaled deployment's other gateway instances (or an external
// autoscaling signal consumer) can subscribe to queue.QueueEvent to learn
// a function is losing calls faster than its workers can absorb them; each
// instance's own dispatcher state remains authoritative only for the
// workers connected to it. Defaults to a no-op notifier.
func (e *Engine) SetNotifier(n queue.Notifier) {
	if n == nil {
		n = queue.NewNoopNotifier()
	}
	e.notifier = n
}

// NextCallID returns the next strictly increasing call id for an
// externally originated call.
func (e *Engine) NextCallID() uint32 {
	return atomic.AddUint32(&e.nextCallID, 1)
}

// InflightCounter exposes the counter of external calls admitted and not
// yet finished (running and pending alike) for invocation.Ctx to
// increment/decrement directly.
func (e *Engine) InflightCounter() *int64 {
	return &e.inflightExternal
}

// GetOrCreateDispatcher returns the Dispatcher for funcID, creating one the
// first time it is needed. It returns false without creating anything if
// funcID is not a known function: per the data model, no dispatcher state
// may exist for a function the configuration does not name.
func (e *Engine) GetOrCreateDispatcher(funcID uint16) (*dispatch.Dispatcher, bool) {
	if _, known := e.funcConfig.FindByFuncID(funcID); !known {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getOrCreateDispatcherLocked(funcID), true
}

func (e *Engine) getOrCreateDispatcherLocked(funcID uint16) *dispatch.Dispatcher {
	d, ok := e.dispatchers[funcID]
	if !ok {
		breaker := e.breakers.Get(strconv.FormatUint(uint64(funcID), 10), e.cfg.Breaker)
		d = dispatch.New(funcID, e.cfg.MaxQueuePerFunc, breaker)
		e.dispatchers[funcID] = d
	}
	return d
}

// NewExternalFuncCall admits a new externally originated call: ctx joins
// the running table and is dispatched immediately if the engine is under
// its concurrency cap, or joins the pending queue otherwise.
func (e *Engine) NewExternalFuncCall(ctx *invocation.Ctx) {
	e.metrics.RecordIncoming(time.Now())

	e.mu.Lock()
	admit := e.cfg.MaxRunningExternal <= 0 || len(e.running) < e.cfg.MaxRunningExternal
	if admit {
		e.running[ctx.Call.Full()] = ctx
	} else {
		e.pending.PushBack(ctx)
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	if !admit {
		return
	}
	e.dispatchOrFail(ctx)
}

// dispatchOrFail dispatches ctx and, on a genuine dispatch failure, evicts
// it from the running table and reports the failure through its sink. A
// ctx that finished itself while preparing to dispatch (e.g. a shared
// memory allocation failure) is evicted but not finished a second time.
func (e *Engine) dispatchOrFail(ctx *invocation.Ctx) {
	err := e.dispatch(ctx)
	if err == nil {
		return
	}
	e.mu.Lock()
	delete(e.running, ctx.Call.Full())
	e.updateGaugesLocked()
	e.mu.Unlock()

	if !errors.Is(err, errAlreadyFinished) {
		ctx.FinishWithDispatchFailure()
	}
}

func (e *Engine) dispatch(ctx *invocation.Ctx) error {
	_, span := observability.StartSpan(context.Background(), "engine.dispatch",
		observability.AttrFuncID.Int(int(ctx.Call.FuncID)),
		observability.AttrCallID.Int64(int64(ctx.Call.CallID)),
	)
	defer span.End()

	body := ctx.Input()
	useShm := len(body) > wire.InlineDataSize
	if useShm {
		if _, err := ctx.CreateShmInput(); err != nil {
			observability.SetSpanError(span, err)
			return errAlreadyFinished
		}
		e.metrics.IncInputShm()
	}

	d, known := e.GetOrCreateDispatcher(ctx.Call.FuncID)
	if !known {
		err := fmt.Errorf("%w: unknown func_id %d", errDispatchFailure, ctx.Call.FuncID)
		observability.SetSpanError(span, err)
		return err
	}

	var inline []byte
	if !useShm {
		inline = body
	}
	if !d.OnNewFuncCall(ctx.Call, 0, len(body), inline, useShm) {
		err := fmt.Errorf("%w: func_id %d", errDispatchFailure, ctx.Call.FuncID)
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

// OnRecvMessage handles one message read off a worker connection.
func (e *Engine) OnRecvMessage(msg *wire.Message) {
	e.metrics.ObserveMessageDelay(wire.ComputeMessageDelay(msg, time.Now()))

	switch msg.Kind {
	case wire.KindInvokeFunc:
		e.onWorkerInvoke(msg)
	case wire.KindFuncCallComplete:
		e.onCallFinished(msg, true)
	case wire.KindFuncCallFailed:
		e.onCallFinished(msg, false)
	default:
		logging.Op().Warn("engine: unexpected message kind from worker", "kind", msg.Kind)
	}
	e.ProcessDiscarded()
}

func (e *Engine) onWorkerInvoke(msg *wire.Message) {
	call := wire.FuncCall{FuncID: msg.FuncID, ClientID: msg.ClientID, CallID: msg.CallID}

	d, known := e.GetOrCreateDispatcher(call.FuncID)
	if !known {
		logging.Op().Warn("engine: dropping InvokeFunc for unknown func_id", "func_id", call.FuncID)
		return
	}

	useShm := msg.PayloadSize < 0
	size := int(msg.PayloadSize)
	if useShm {
		size = -size
	}
	var inline []byte
	if !useShm {
		inline = append([]byte(nil), msg.Inline[:size]...)
	}

	if !d.OnNewFuncCall(call, msg.ParentCallID, size, inline, useShm) {
		logging.Op().Warn("engine: dispatch failed for worker-originated call", "call", call.Full())
	}
}

func (e *Engine) onCallFinished(msg *wire.Message, success bool) {
	call := wire.FuncCall{FuncID: msg.FuncID, ClientID: msg.ClientID, CallID: msg.CallID}
	isExternal := msg.ClientID == 0

	_, span := observability.StartSpan(context.Background(), "engine.call_finished",
		observability.AttrFuncID.Int(int(call.FuncID)),
		observability.AttrCallID.Int64(int64(call.CallID)),
		observability.AttrDurationMs.Int64(msg.ProcessingTime),
	)
	if !success {
		observability.SetSpanError(span, fmt.Errorf("func_id %d call failed", call.FuncID))
	} else {
		observability.SetSpanOK(span)
	}
	span.End()

	d, _ := e.GetOrCreateDispatcher(call.FuncID)

	var ctx *invocation.Ctx
	var promoted *invocation.Ctx
	if isExternal {
		e.mu.Lock()
		ctx = e.running[call.Full()]
		delete(e.running, call.Full())
		if e.pending.Len() > 0 && (e.cfg.MaxRunningExternal <= 0 || len(e.running) < e.cfg.MaxRunningExternal) {
			front := e.pending.Remove(e.pending.Front())
			promoted = front.(*invocation.Ctx)
			e.running[promoted.Call.Full()] = promoted
		}
		e.updateGaugesLocked()
		e.mu.Unlock()
	}

	if d != nil {
		outSize := int(msg.PayloadSize)
		if outSize < 0 {
			outSize = -outSize
			e.metrics.IncOutputShm()
		}
		if success && wire.OutputPolicyViolation(msg.ClientID, msg.PayloadSize) {
			logging.Op().Warn("engine: worker output violates inline/shm policy",
				"call", call.Full(), "client_id", msg.ClientID, "payload_size", msg.PayloadSize)
		}
		if success {
			d.OnFuncCallCompleted(call, msg.ProcessingTime, msg.DispatchDelay)
		} else {
			d.OnFuncCallFailed(call, msg.DispatchDelay)
		}
		e.metrics.ObserveDispatch(call.FuncID, msg.ProcessingTime, msg.DispatchDelay)
	}

	if !isExternal {
		e.relayInternal(msg)
		return
	}

	if ctx != nil {
		if success {
			if msg.PayloadSize < 0 {
				ctx.FinishWithShmOutput(int(-msg.PayloadSize))
			} else {
				ctx.FinishWithInlineOutput(msg.Inline[:msg.PayloadSize])
			}
		} else {
			ctx.FinishWithError()
		}
	}
	if promoted != nil {
		e.dispatchOrFail(promoted)
	}
}

// relayInternal forwards a worker-originated call's completion or failure
// to the connection that originated it.
func (e *Engine) relayInternal(msg *wire.Message) {
	if e.router == nil {
		logging.Op().Warn("engine: no router configured, dropping internal completion", "client_id", msg.ClientID)
		return
	}
	sender, ok := e.router.SenderForClientID(msg.ClientID)
	if !ok {
		logging.Op().Warn("engine: no connection for client_id, dropping internal completion", "client_id", msg.ClientID)
		return
	}
	if err := sender.Send(msg); err != nil {
		logging.Op().Warn("engine: relay to originating worker failed", "client_id", msg.ClientID, "error", err)
	}
}

// Discard records a call as lost, to be reclaimed the next time
// ProcessDiscarded runs. Safe to call from any goroutine.
func (e *Engine) Discard(call wire.FuncCall) {
	e.mu.Lock()
	e.discarded = append(e.discarded, call)
	e.mu.Unlock()
}

// ProcessDiscarded drains the discard backlog: externally originated calls
// are evicted from the running table and fail their sink; worker-originated
// calls are reported, best-effort, to their originator. Any pending calls
// the resulting headroom allows are promoted and dispatched.
func (e *Engine) ProcessDiscarded() {
	e.mu.Lock()
	backlog := e.discarded
	e.discarded = nil

	var evicted []*invocation.Ctx
	var internalFailed []wire.FuncCall
	for _, call := range backlog {
		if call.ClientID == 0 {
			if ctx, ok := e.running[call.Full()]; ok {
				delete(e.running, call.Full())
				evicted = append(evicted, ctx)
			}
			continue
		}
		internalFailed = append(internalFailed, call)
	}

	var promoted []*invocation.Ctx
	for e.pending.Len() > 0 && (e.cfg.MaxRunningExternal <= 0 || len(e.running) < e.cfg.MaxRunningExternal) {
		front := e.pending.Remove(e.pending.Front()).(*invocation.Ctx)
		e.running[front.Call.Full()] = front
		promoted = append(promoted, front)
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	if len(evicted)+len(internalFailed) > 0 {
		e.notifier.Notify(context.Background(), queue.QueueEvent)
	}

	for _, ctx := range evicted {
		e.metrics.IncDiscarded()
		ctx.FinishWithDispatchFailure()
	}
	for _, call := range internalFailed {
		e.metrics.IncDiscarded()
		if e.router == nil {
			continue
		}
		if sender, ok := e.router.SenderForClientID(call.ClientID); ok {
			failMsg := &wire.Message{Kind: wire.KindFuncCallFailed, FuncID: call.FuncID, ClientID: call.ClientID, CallID: call.CallID}
			if err := sender.Send(failMsg); err != nil {
				logging.Op().Warn("engine: failed to notify originator of discard", "client_id", call.ClientID, "error", err)
			}
		}
	}
	for _, ctx := range promoted {
		e.dispatchOrFail(ctx)
	}
}

func (e *Engine) updateGaugesLocked() {
	e.metrics.SetInflightExternal(atomic.LoadInt64(&e.inflightExternal))
	e.metrics.SetPendingExternal(e.pending.Len())
}
