package gatewayhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/nova/internal/engine"
	"github.com/oriys/nova/internal/funcconfig"
)

type noopMetrics struct{}

func (noopMetrics) RecordIncoming(time.Time)             {}
func (noopMetrics) SetInflightExternal(int64)            {}
func (noopMetrics) SetPendingExternal(int)               {}
func (noopMetrics) ObserveMessageDelay(int64)             {}
func (noopMetrics) IncInputShm()                          {}
func (noopMetrics) IncOutputShm()                         {}
func (noopMetrics) IncDiscarded()                         {}
func (noopMetrics) ObserveDispatch(uint16, int64, int64) {}
func (noopMetrics) Handler() http.Handler                { return http.NotFoundHandler() }

const doc = `
functions:
  - name: echo
    func_id: 1
`

func TestHelloEndpoint(t *testing.T) {
	fc, _ := funcconfig.Parse([]byte(doc))
	eng := engine.New(engine.Config{}, fc, noopMetrics{})
	h := New(eng, fc, noopMetrics{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 || rec.Body.String() != "Hello world\n" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestBreakersEndpointReturnsJSON(t *testing.T) {
	fc, _ := funcconfig.Parse([]byte(doc))
	eng := engine.New(engine.Config{}, fc, noopMetrics{})
	h := New(eng, fc, noopMetrics{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/breakers", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestInvokeUnknownFunction(t *testing.T) {
	fc, _ := funcconfig.Parse([]byte(doc))
	eng := engine.New(engine.Config{}, fc, noopMetrics{})
	h := New(eng, fc, noopMetrics{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/function/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInvokeNoWorkerDispatchFailure(t *testing.T) {
	fc, _ := funcconfig.Parse([]byte(doc))
	eng := engine.New(engine.Config{}, fc, noopMetrics{})
	h := New(eng, fc, noopMetrics{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/function/echo", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404 (no worker registered)", rec.Code)
	}
}

func TestShutdownEndpointInvokesCallback(t *testing.T) {
	fc, _ := funcconfig.Parse([]byte(doc))
	eng := engine.New(engine.Config{}, fc, noopMetrics{})
	called := make(chan struct{})
	h := New(eng, fc, noopMetrics{}, func() { close(called) })

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}
