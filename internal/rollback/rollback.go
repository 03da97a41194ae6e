// Package rollback defines the pluggable unwind contract invoked when
// the Decision Engine prescribes ActionRollback. No default Handler is
// registered: spec.md leaves rollback semantics domain-specific, so
// calling Unwind without a registered handler is an escalation, not a
// silent no-op.
package rollback

import (
	"context"
	"errors"

	"github.com/swarmforge/conductor/internal/artifact"
)

// ErrNoHandler is returned by Unwind when no Handler has been registered.
var ErrNoHandler = errors.New("rollback requested but no handler is registered")

// Handler unwinds the effects of already-produced artifacts, e.g.
// issuing compensating calls against whatever external system a
// capability mutated.
type Handler interface {
	Unwind(ctx context.Context, artifacts []*artifact.Artifact) error
}

// Registry holds at most one Handler; callers register their own
// domain-specific unwind logic, or none at all.
type Registry struct {
	handler Handler
}

// NewRegistry builds an empty rollback Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs h as the active Handler, replacing any prior one.
func (r *Registry) Register(h Handler) {
	r.handler = h
}

// Unwind invokes the registered Handler, or returns ErrNoHandler if none
// has been registered.
func (r *Registry) Unwind(ctx context.Context, artifacts []*artifact.Artifact) error {
	if r.handler == nil {
		return ErrNoHandler
	}
	return r.handler.Unwind(ctx, artifacts)
}
