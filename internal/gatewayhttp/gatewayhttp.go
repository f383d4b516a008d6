// Package gatewayhttp implements the gateway's HTTP surface: the plain
// function-invocation path plus the small set of operational endpoints
// (health, metrics, shutdown) every daemon in this codebase exposes.
package gatewayhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/oriys/nova/internal/engine"
	"github.com/oriys/nova/internal/funcconfig"
	"github.com/oriys/nova/internal/invocation"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/wire"
)

const functionPathPrefix = "/function/"

// Metrics is the subset of the metrics package's Gateway type the HTTP
// surface needs directly (the rest flows through the engine).
type Metrics interface {
	Handler() http.Handler
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	engine     *engine.Engine
	funcConfig *funcconfig.Config
	metrics    Metrics
	shutdown   func()
}

// New builds a Handler. shutdown is invoked (in a new goroutine) when a
// client POSTs /shutdown.
func New(eng *engine.Engine, fc *funcconfig.Config, metrics Metrics, shutdown func()) *Handler {
	return &Handler{engine: eng, funcConfig: fc, metrics: metrics, shutdown: shutdown}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/hello" && r.Method == http.MethodGet:
		w.Write([]byte("Hello world\n"))

	case r.URL.Path == "/healthz" && r.Method == http.MethodGet:
		w.WriteHeader(http.StatusOK)

	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		h.metrics.Handler().ServeHTTP(w, r)

	case r.URL.Path == "/breakers" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.engine.BreakerStates())

	case r.URL.Path == "/shutdown" && r.Method == http.MethodPost:
		w.Write([]byte("Server is shutting down\n"))
		if h.shutdown != nil {
			go h.shutdown()
		}

	case strings.HasPrefix(r.URL.Path, functionPathPrefix) && r.Method == http.MethodPost:
		h.invoke(w, r)

	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, functionPathPrefix)
	entry, ok := h.funcConfig.FindByFuncName(name)
	if !ok {
		http.Error(w, "unknown function: "+name, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	call := wire.FuncCall{FuncID: entry.FuncID, CallID: h.engine.NextCallID()}
	sink := invocation.NewHTTPSink(w)
	ctx := invocation.New(call, sink, body, h.engine.InflightCounter())

	h.engine.NewExternalFuncCall(ctx)

	select {
	case <-sink.Done():
	case <-r.Context().Done():
		ctx.MarkDisconnected()
		logging.Op().Debug("gatewayhttp: client disconnected before result", "function", name, "call", call.Full())
	}
}
