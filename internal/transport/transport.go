// Package transport implements the closed set of ways an Agent Invoker
// can reach a capability's implementation: in-process function, a stdio
// child process speaking framed JSON, an HTTP endpoint, or a one-shot
// container exec.
package transport

import "context"

// Client sends a single invocation to a capability implementation and
// returns its raw (unvalidated) output.
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Request is the resolved input ready to cross a transport boundary.
type Request struct {
	Capability string
	Endpoint   string
	Input      map[string]any
	Headers    map[string]string
}

// Response carries the raw output and metadata returned by a transport.
type Response struct {
	Output   map[string]any
	ExitCode int
}

// Registry dispatches a Request to the Client registered for its
// transport kind.
type Registry struct {
	clients map[string]Client
}

// NewRegistry constructs an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a Client to a transport kind string (capability.TransportKind).
func (r *Registry) Register(kind string, c Client) {
	r.clients[kind] = c
}

// Get returns the Client registered for kind, if any.
func (r *Registry) Get(kind string) (Client, bool) {
	c, ok := r.clients[kind]
	return c, ok
}
