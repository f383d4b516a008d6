// Package workerconn runs the UNIX-domain socket server workers and
// launchers connect to, reversing the client-side connection state machine
// the firecracker vsock transport this gateway used to speak implemented:
// here the gateway is the one accepting connections and driving a
// handshake-then-stream read loop per connection, instead of dialing out.
package workerconn

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/oriys/nova/internal/engine"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/registry"
	"github.com/oriys/nova/internal/wire"
)

// Conn adapts a net.Conn to conn.Sender, serializing writes and stamping
// each outbound message's send timestamp.
type Conn struct {
	id string
	nc net.Conn
	mu sync.Mutex
}

// ID implements conn.Sender.
func (c *Conn) ID() string { return c.id }

// Send implements conn.Sender.
func (c *Conn) Send(msg *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.SendTimestamp = time.Now().UnixMicro()
	_, err := c.nc.Write(wire.Encode(msg))
	return err
}

// Server accepts worker and launcher connections on a UNIX-domain socket.
type Server struct {
	ln       net.Listener
	engine   *engine.Engine
	registry *registry.Registry
}

// NewServer creates (but does not yet start) a Server listening at
// socketPath with the given accept backlog.
func NewServer(socketPath string, backlog int, eng *engine.Engine, reg *registry.Registry) (*Server, error) {
	ln, err := listenUnix(socketPath, backlog)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, engine: eng, registry: reg}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(nc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handle(nc net.Conn) {
	c := &Conn{id: uuid.NewString(), nc: nc}
	defer nc.Close()

	msg, err := wire.ReadFrom(nc)
	if err != nil {
		logging.Op().Warn("workerconn: handshake read failed", "error", err)
		return
	}
	if msg.Kind != wire.KindLauncherHandshake && msg.Kind != wire.KindFuncWorkerHandshake {
		logging.Op().Warn("workerconn: expected handshake as first message", "kind", msg.Kind)
		return
	}

	resp, _, ok := s.registry.OnNewHandshake(c, msg)
	if !ok {
		return
	}
	if err := c.Send(resp); err != nil {
		logging.Op().Warn("workerconn: handshake response failed", "error", err)
		return
	}
	defer s.registry.OnDisconnect(c.id)

	for {
		m, err := wire.ReadFrom(nc)
		if err != nil {
			if err != io.EOF {
				logging.Op().Warn("workerconn: connection read failed", "conn", c.id, "error", err)
			}
			return
		}
		s.engine.OnRecvMessage(m)
	}
}

// listenUnix binds a UNIX-domain stream socket with an explicit accept
// backlog, which the standard net package does not expose directly.
func listenUnix(path string, backlog int) (net.Listener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), path)
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return ln, nil
}
