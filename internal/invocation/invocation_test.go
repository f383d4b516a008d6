package invocation

import (
	"net/http/httptest"
	"testing"

	"github.com/oriys/nova/internal/wire"
)

func TestFinishWithInlineOutputWritesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewHTTPSink(rec)
	var inflight int64
	ctx := New(wire.FuncCall{FuncID: 1}, sink, []byte("req"), &inflight)

	ctx.FinishWithInlineOutput([]byte("ok"))

	if inflight != 0 {
		t.Fatalf("inflight = %d, want 0", inflight)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "ok")
	}
	select {
	case <-sink.Done():
	default:
		t.Fatal("Done channel should be closed after Finish")
	}
}

func TestDoubleFinishPanics(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewHTTPSink(rec)
	var inflight int64
	ctx := New(wire.FuncCall{FuncID: 1}, sink, nil, &inflight)
	ctx.FinishWithInlineOutput([]byte("ok"))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double Finish")
		}
	}()
	ctx.FinishWithError()
}

func TestDisconnectSkipsWriteButStillCleansUp(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewHTTPSink(rec)
	var inflight int64
	ctx := New(wire.FuncCall{FuncID: 1}, sink, nil, &inflight)

	ctx.MarkDisconnected()
	ctx.FinishWithInlineOutput([]byte("should not appear"))

	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty after disconnect", rec.Body.String())
	}
	if inflight != 0 {
		t.Fatalf("inflight = %d, want 0", inflight)
	}
}

func TestDispatchFailureSetsNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewHTTPSink(rec)
	var inflight int64
	ctx := New(wire.FuncCall{FuncID: 9}, sink, nil, &inflight)

	ctx.FinishWithDispatchFailure()

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	want := "Dispatch failed for func_id 9\n"
	if rec.Body.String() != want {
		t.Fatalf("body = %q, want %q", rec.Body.String(), want)
	}
}
