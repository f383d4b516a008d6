// Package invocation tracks one externally originated function call from
// the moment its request is admitted until a result (or failure) has been
// written back to whoever asked for it.
//
// A Ctx is created once, per call, and destroyed by whichever Finish*
// method ends it. Calling a second Finish* method on an already-finished
// Ctx is an internal invariant violation and panics rather than silently
// double-responding.
package invocation

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"

	"github.com/oriys/nova/internal/shm"
	"github.com/oriys/nova/internal/wire"
)

// SinkKind distinguishes the two surfaces a call's result can be written
// back through. The set of variants is closed: this is a tagged union, not
// an extension point.
type SinkKind int

const (
	SinkHTTP SinkKind = iota
	SinkGRPC
)

type httpSink struct {
	w    http.ResponseWriter
	done chan struct{}
}

type grpcSink struct {
	send      func(body []byte) error
	setStatus func(code codes.Code, msg string)
	done      chan struct{}
}

// ResponseSink wraps whichever concrete response channel a call arrived
// through.
type ResponseSink struct {
	Kind SinkKind
	http *httpSink
	grpc *grpcSink
}

// NewHTTPSink builds a sink that writes directly to an HTTP response.
func NewHTTPSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{Kind: SinkHTTP, http: &httpSink{w: w, done: make(chan struct{})}}
}

// NewGRPCSink builds a sink over a gRPC server stream's send/status
// callbacks.
func NewGRPCSink(send func([]byte) error, setStatus func(codes.Code, string)) *ResponseSink {
	return &ResponseSink{Kind: SinkGRPC, grpc: &grpcSink{send: send, setStatus: setStatus, done: make(chan struct{})}}
}

// Done returns the channel that closes once the call this sink belongs to
// has been finished, whether successfully or not. The handler that created
// the sink blocks on this (racing it against its own request context) to
// know when it is safe to return.
func (s *ResponseSink) Done() <-chan struct{} {
	switch s.Kind {
	case SinkHTTP:
		return s.http.done
	default:
		return s.grpc.done
	}
}

func (s *ResponseSink) closeDone() {
	switch s.Kind {
	case SinkHTTP:
		close(s.http.done)
	case SinkGRPC:
		close(s.grpc.done)
	}
}

// Ctx is the per-call bookkeeping record the HTTP or gRPC surface creates
// for each request before handing it to the engine; it ends when a result
// is written back.
type Ctx struct {
	Call wire.FuncCall

	sink      *ResponseSink
	input     []byte
	inflight  *int64
	mu        sync.Mutex
	finished  bool
	disconnect bool

	inputRegion  *shm.Region
	outputRegion *shm.Region
}

// New creates a Ctx for an externally originated call. inflight is the
// engine's counter of unfinished external calls (running or pending); New
// increments it and the eventual Finish* decrements it.
func New(call wire.FuncCall, sink *ResponseSink, input []byte, inflight *int64) *Ctx {
	atomic.AddInt64(inflight, 1)
	return &Ctx{Call: call, sink: sink, input: input, inflight: inflight}
}

// Input returns the call's request body.
func (c *Ctx) Input() []byte {
	return c.input
}

// MarkDisconnected records that the caller is no longer listening (e.g. the
// HTTP client hung up, or the gRPC stream context was cancelled). A
// subsequent Finish* still runs its bookkeeping but skips writing to the
// now-useless sink.
func (c *Ctx) MarkDisconnected() {
	c.mu.Lock()
	if !c.finished {
		c.disconnect = true
	}
	c.mu.Unlock()
}

// CreateShmInput copies the call's input into a shared memory region named
// after its full call id, for dispatch to a worker when the input exceeds
// the inline data area. On failure it finishes the call as an error and
// returns the same error to the caller, who must not also call a Finish*
// method.
func (c *Ctx) CreateShmInput() (*shm.Region, error) {
	region, err := shm.Create(shm.InputName(c.Call.Full()), c.input)
	if err != nil {
		c.FinishWithError()
		return nil, err
	}
	c.mu.Lock()
	c.inputRegion = region
	c.mu.Unlock()
	return region, nil
}

// finish runs write under the terminal-state guard, then releases the
// ctx's resources. write is skipped (but cleanup still runs) if the caller
// has disconnected.
func (c *Ctx) finish(write func(*ResponseSink)) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		panic(fmt.Sprintf("invocation: Finish called twice for call %#x", c.Call.Full()))
	}
	c.finished = true
	disconnected := c.disconnect
	c.mu.Unlock()

	if !disconnected {
		write(c.sink)
	}

	if c.inputRegion != nil {
		c.inputRegion.Close()
	}
	if c.outputRegion != nil {
		c.outputRegion.Close()
	}
	atomic.AddInt64(c.inflight, -1)
	c.sink.closeDone()
}

// FinishWithInlineOutput writes body as the call's successful result.
func (c *Ctx) FinishWithInlineOutput(body []byte) {
	c.finish(func(s *ResponseSink) {
		switch s.Kind {
		case SinkHTTP:
			s.http.w.Header().Set("Content-Type", "application/octet-stream")
			s.http.w.WriteHeader(http.StatusOK)
			s.http.w.Write(body)
		case SinkGRPC:
			s.grpc.send(body)
		}
	})
}

// FinishWithShmOutput reads size bytes from the worker's output region and
// writes them as the call's successful result.
func (c *Ctx) FinishWithShmOutput(size int) {
	region, err := shm.Open(shm.OutputName(c.Call.Full()), size)
	if err != nil {
		c.FinishWithError()
		return
	}
	body := append([]byte(nil), region.Bytes()...)
	c.mu.Lock()
	c.outputRegion = region
	c.mu.Unlock()
	c.FinishWithInlineOutput(body)
}

// FinishWithError reports that the worker failed to execute the call.
func (c *Ctx) FinishWithError() {
	c.finish(func(s *ResponseSink) {
		switch s.Kind {
		case SinkHTTP:
			http.Error(s.http.w, "function invocation failed", http.StatusInternalServerError)
		case SinkGRPC:
			s.grpc.setStatus(codes.Unknown, "function invocation failed")
		}
	})
}

// FinishWithDispatchFailure reports that no worker could be found to run
// the call at all.
func (c *Ctx) FinishWithDispatchFailure() {
	c.finish(func(s *ResponseSink) {
		msg := fmt.Sprintf("Dispatch failed for func_id %d", c.Call.FuncID)
		switch s.Kind {
		case SinkHTTP:
			http.Error(s.http.w, msg, http.StatusNotFound)
		case SinkGRPC:
			s.grpc.setStatus(codes.Unimplemented, msg)
		}
	})
}
