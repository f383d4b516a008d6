// Package conn defines the narrow interface the dispatch, registry, and
// engine packages use to push a wire message at a connected worker without
// depending on the transport that backs it.
package conn

import "github.com/oriys/nova/internal/wire"

// Sender is one end of a worker IPC connection. Implementations must
// serialize concurrent Send calls themselves; callers never assume the
// underlying transport is safe for concurrent writes on its own.
type Sender interface {
	ID() string
	Send(msg *wire.Message) error
}
