// Package capability models registered agent Capabilities: the declared
// input/output schemas, transport binding, and resource hints a Task
// Extractor and Resource Allocator consult before dispatch.
package capability

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/swarmforge/conductor/internal/schema"
)

// TransportKind closes the set of supported invocation transports.
type TransportKind string

const (
	TransportInProcess TransportKind = "in_process"
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportContainer TransportKind = "container_exec"
)

// Capability is the registry's unit of declaration: a named, versioned
// piece of work an agent can perform, with structural contracts for its
// input and output and the transport used to invoke it.
type Capability struct {
	Name         string            `json:"name" validate:"required,min=1"`
	Version      string            `json:"version" validate:"required"`
	Transport    TransportKind     `json:"transport" validate:"required,oneof=in_process stdio http container_exec"`
	Endpoint     string            `json:"endpoint,omitempty"`
	InputSchema  *schema.Schema    `json:"input_schema" validate:"required"`
	OutputSchema *schema.Schema    `json:"output_schema" validate:"required"`
	MaxInFlight  int               `json:"max_in_flight" validate:"gte=0"`
	TimeoutMS    int               `json:"timeout_ms" validate:"gt=0"`
	Tags         map[string]string `json:"tags,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the Capability declaration's own shape via struct tags,
// before its schemas are ever consulted against real task data.
func (c *Capability) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid capability declaration %q: %w", c.Name, err)
	}
	if err := c.InputSchema.Compile(); err != nil {
		return fmt.Errorf("capability %q input schema: %w", c.Name, err)
	}
	if err := c.OutputSchema.Compile(); err != nil {
		return fmt.Errorf("capability %q output schema: %w", c.Name, err)
	}
	return nil
}

// Key uniquely identifies a capability by name and version.
func (c *Capability) Key() string {
	return c.Name + "@" + c.Version
}

// Registry holds validated Capability declarations keyed by Key().
type Registry struct {
	mu  sync.RWMutex
	byK map[string]*Capability
}

// NewRegistry constructs an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{byK: make(map[string]*Capability)}
}

// Register validates and adds a capability, replacing any prior version
// registered under the same key.
func (r *Registry) Register(c *Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byK[c.Key()] = c
	return nil
}

// Get looks up a capability by name@version.
func (r *Registry) Get(name, version string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byK[name+"@"+version]
	return c, ok
}

// List returns every registered capability, in no particular order.
func (r *Registry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Capability, 0, len(r.byK))
	for _, c := range r.byK {
		out = append(out, c)
	}
	return out
}
