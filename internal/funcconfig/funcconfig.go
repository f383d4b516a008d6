// Package funcconfig loads the static function configuration document the
// gateway hands to every worker at handshake time, and that it consults to
// resolve an HTTP path or gRPC service name to a func_id.
package funcconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry describes one registered function.
type Entry struct {
	FuncID uint16 `yaml:"func_id"`
	Name   string `yaml:"name"`
	// GRPCMethods maps a method name to its method_id, for functions
	// reachable over the gRPC surface: such a function's Name is
	// grpc:<service>, where <service> is the gRPC service name. Empty for
	// HTTP-only functions.
	GRPCMethods map[string]uint8 `yaml:"grpc_methods,omitempty"`
}

type document struct {
	Functions []Entry `yaml:"functions"`
}

// Config is the parsed, indexed function document. It is immutable after
// Load; callers share one instance across goroutines without locking.
type Config struct {
	raw    []byte
	byID   map[uint16]*Entry
	byName map[string]*Entry
}

// Load reads and parses the function configuration document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("funcconfig: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Config from an already-read document, preserving raw
// verbatim so it can be forwarded to workers unchanged in a handshake
// response.
func Parse(raw []byte) (*Config, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("funcconfig: parse: %w", err)
	}
	cfg := &Config{
		raw:    raw,
		byID:   make(map[uint16]*Entry, len(doc.Functions)),
		byName: make(map[string]*Entry, len(doc.Functions)),
	}
	for i := range doc.Functions {
		e := &doc.Functions[i]
		if _, dup := cfg.byID[e.FuncID]; dup {
			return nil, fmt.Errorf("funcconfig: duplicate func_id %d", e.FuncID)
		}
		if _, dup := cfg.byName[e.Name]; dup {
			return nil, fmt.Errorf("funcconfig: duplicate function name %q", e.Name)
		}
		cfg.byID[e.FuncID] = e
		cfg.byName[e.Name] = e
	}
	return cfg, nil
}

// FindByFuncID looks up a function by its numeric id.
func (c *Config) FindByFuncID(id uint16) (*Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// FindByFuncName looks up a function by its configured name, e.g. "echo"
// or "grpc:echo" for a service reachable over the gRPC surface.
func (c *Config) FindByFuncName(name string) (*Entry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// Raw returns the verbatim document bytes, suitable for embedding in a
// handshake response so workers see the same configuration the gateway
// resolved routes against.
func (c *Config) Raw() []byte {
	return c.raw
}
