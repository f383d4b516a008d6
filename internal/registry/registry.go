// Package registry tracks connected worker and launcher endpoints: their
// handshakes, the client ids assigned to func-workers so internal calls can
// be routed back to whoever originated them, and the disconnect path that
// hands outstanding calls off to the engine's discard reaper.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oriys/nova/internal/conn"
	"github.com/oriys/nova/internal/dispatch"
	"github.com/oriys/nova/internal/funcconfig"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/wire"
)

// ContainerIDLength is the expected byte length of the launcher handshake's
// inline payload: a hex container id, as produced by a typical container
// runtime.
const ContainerIDLength = 64

// Monitor is the process/container monitoring collaborator: deliberately
// out of the engine's core per the collaborator boundary, referenced only
// through this interface. The registry notifies it whenever a launcher
// announces a new container.
type Monitor interface {
	NotifyLauncherConnected(containerID string)
}

type noopMonitor struct{}

func (noopMonitor) NotifyLauncherConnected(string) {}

// LoggingMonitor is the Monitor cmd/gatewayd installs unless
// disable_monitor is set (a Registry's own default is a no-op): it logs
// launcher connections
// through the ambient structured logger rather than forwarding them to a
// dedicated monitoring system.
type LoggingMonitor struct{}

// NotifyLauncherConnected logs containerID at info level and emits a trace
// span carrying it, so a launcher connection is visible in both the
// operational log and whatever tracing backend is configured.
func (LoggingMonitor) NotifyLauncherConnected(containerID string) {
	logging.Op().Info("launcher connected", "container_id", containerID)

	_, span := observability.StartSpan(context.Background(), "registry.launcher_connected",
		observability.AttrContainerID.String(containerID),
	)
	span.End()
}

type endpointKind int

const (
	kindLauncher endpointKind = iota
	kindFuncWorker
)

type endpoint struct {
	conn     conn.Sender
	kind     endpointKind
	funcID   uint16
	clientID uint16
}

// DispatcherProvider is the subset of the engine's behaviour the registry
// needs: looking up (and lazily creating) a function's dispatcher, and
// feeding it calls lost to a worker disconnect.
type DispatcherProvider interface {
	GetOrCreateDispatcher(funcID uint16) (*dispatch.Dispatcher, bool)
	Discard(call wire.FuncCall)
	ProcessDiscarded()
}

// Registry is safe for concurrent use.
type Registry struct {
	provider   DispatcherProvider
	funcConfig *funcconfig.Config
	monitor    Monitor

	mu          sync.Mutex
	endpoints   map[string]*endpoint
	byClientID  map[uint16]*endpoint
	nextClient  uint32
}

// New creates a Registry backed by provider for dispatcher lookups and
// discard handling, and fc for validating handshakes against known
// functions.
func New(provider DispatcherProvider, fc *funcconfig.Config) *Registry {
	return &Registry{
		provider:   provider,
		funcConfig: fc,
		monitor:    noopMonitor{},
		endpoints:  make(map[string]*endpoint),
		byClientID: make(map[uint16]*endpoint),
	}
}

// SetMonitor installs the process/container monitoring collaborator.
// Passing nil restores the no-op default. disable_monitor in config
// controls whether the embedder calls this at all.
func (r *Registry) SetMonitor(m Monitor) {
	if m == nil {
		m = noopMonitor{}
	}
	r.monitor = m
}

// OnNewHandshake validates and registers a new connection's handshake
// message. It returns the response to send back, the client id assigned to
// the connection (0 for a launcher), and whether the connection should be
// kept open at all.
func (r *Registry) OnNewHandshake(c conn.Sender, msg *wire.Message) (*wire.Message, uint16, bool) {
	switch msg.Kind {
	case wire.KindLauncherHandshake:
		if msg.PayloadSize != ContainerIDLength {
			logging.Op().Warn("rejecting launcher handshake: bad container id length", "got", msg.PayloadSize)
			return nil, 0, false
		}
		r.mu.Lock()
		r.endpoints[c.ID()] = &endpoint{conn: c, kind: kindLauncher}
		r.mu.Unlock()
		r.monitor.NotifyLauncherConnected(string(msg.Inline[:msg.PayloadSize]))
		return r.handshakeResponse(), 0, true

	case wire.KindFuncWorkerHandshake:
		entry, ok := r.funcConfig.FindByFuncID(msg.FuncID)
		if !ok {
			logging.Op().Warn("rejecting func-worker handshake: unknown func_id", "func_id", msg.FuncID)
			return nil, 0, false
		}
		clientID := r.assignClientID()
		ep := &endpoint{conn: c, kind: kindFuncWorker, funcID: entry.FuncID, clientID: clientID}

		r.mu.Lock()
		r.endpoints[c.ID()] = ep
		r.byClientID[clientID] = ep
		r.mu.Unlock()

		d, known := r.provider.GetOrCreateDispatcher(entry.FuncID)
		if known {
			d.AddWorker(c)
			r.provider.ProcessDiscarded()
		}
		return r.handshakeResponse(), clientID, true

	default:
		logging.Op().Warn("rejecting connection: first message was not a handshake", "kind", msg.Kind)
		return nil, 0, false
	}
}

func (r *Registry) handshakeResponse() *wire.Message {
	raw := r.funcConfig.Raw()
	resp := &wire.Message{Kind: wire.KindHandshakeResponse}
	if len(raw) <= wire.InlineDataSize {
		resp.PayloadSize = int32(len(raw))
		copy(resp.Inline[:], raw)
	} else {
		// The function document itself exceeds the inline area; truncate
		// rather than fail the handshake. In practice funcconfig documents
		// are small and this path is not expected to trigger.
		resp.PayloadSize = int32(wire.InlineDataSize)
		copy(resp.Inline[:], raw[:wire.InlineDataSize])
	}
	return resp
}

// OnDisconnect tears down the endpoint for connID, discarding any calls
// that were outstanding on it.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	ep, ok := r.endpoints[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.endpoints, connID)
	if ep.kind == kindFuncWorker {
		delete(r.byClientID, ep.clientID)
	}
	r.mu.Unlock()

	if ep.kind != kindFuncWorker {
		return
	}
	d, known := r.provider.GetOrCreateDispatcher(ep.funcID)
	if !known {
		return
	}
	for _, call := range d.RemoveWorker(ep.conn.ID()) {
		r.provider.Discard(call)
	}
	r.provider.ProcessDiscarded()
}

// SenderForClientID returns the connection assigned to clientID, for
// routing a worker-originated call's completion or discard notice back to
// whoever originated it.
func (r *Registry) SenderForClientID(clientID uint16) (conn.Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byClientID[clientID]
	if !ok {
		return nil, false
	}
	return ep.conn, true
}

func (r *Registry) assignClientID() uint16 {
	// client_id 0 is reserved to mean "externally originated"; start
	// assignment at 1 and wrap, which is safe since a worker population
	// large enough to exhaust 65535 ids is not a case this gateway is
	// built for.
	id := atomic.AddUint32(&r.nextClient, 1)
	if id == 0 || id > 0xFFFF {
		atomic.StoreUint32(&r.nextClient, 1)
		id = 1
	}
	return uint16(id)
}
