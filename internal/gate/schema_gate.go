package gate

import (
	"context"

	"github.com/swarmforge/conductor/internal/schema"
)

// SchemaGate validates a task's output against its capability's declared
// output schema. Always runs first in the chain: every later gate
// assumes the output is at least structurally sound.
type SchemaGate struct {
	schemaFor func(capability string) (*schema.Schema, bool)
}

// NewSchemaGate builds a SchemaGate that looks up the expected output
// schema for a capability via schemaFor.
func NewSchemaGate(schemaFor func(capability string) (*schema.Schema, bool)) *SchemaGate {
	return &SchemaGate{schemaFor: schemaFor}
}

func (g *SchemaGate) Name() string { return "schema" }

func (g *SchemaGate) Evaluate(_ context.Context, in Input) (Outcome, error) {
	sc, ok := g.schemaFor(in.Capability)
	if !ok {
		return Outcome{Gate: g.Name(), Passed: false, Findings: []Finding{{
			Gate: g.Name(), Severity: SeverityCritical, Message: "no output schema registered for capability",
		}}}, nil
	}

	violations := schema.Validate(in.Output, sc)
	if len(violations) == 0 {
		return Outcome{Gate: g.Name(), Passed: true, Score: 1}, nil
	}

	findings := make([]Finding, 0, len(violations))
	for _, v := range violations {
		findings = append(findings, Finding{Gate: g.Name(), Severity: SeverityCritical, Message: v.Message, Path: v.Path})
	}
	return Outcome{Gate: g.Name(), Passed: false, Score: 0, Findings: findings}, nil
}
