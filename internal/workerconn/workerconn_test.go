package workerconn

import (
	"net"
	"testing"
	"time"

	"github.com/oriys/nova/internal/engine"
	"github.com/oriys/nova/internal/funcconfig"
	"github.com/oriys/nova/internal/registry"
	"github.com/oriys/nova/internal/wire"
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

const doc = `
functions:
  - name: echo
    func_id: 1
`

func TestHandshakeOverPipe(t *testing.T) {
	fc, err := funcconfig.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.Config{}, fc, noopMetrics{})
	reg := registry.New(eng, fc)
	eng.SetRouter(reg)

	client, serverSide := net.Pipe()
	defer client.Close()

	s := &Server{engine: eng, registry: reg}
	done := make(chan struct{})
	go func() {
		s.handle(serverSide)
		close(done)
	}()

	handshake := &wire.Message{Kind: wire.KindFuncWorkerHandshake, FuncID: 1}
	if _, err := client.Write(wire.Encode(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	resp, err := wire.ReadFrom(client)
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if resp.Kind != wire.KindHandshakeResponse {
		t.Fatalf("response kind = %v, want %v", resp.Kind, wire.KindHandshakeResponse)
	}

	client.Close()
	<-done
}
