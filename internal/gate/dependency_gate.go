package gate

import (
	"context"
	"fmt"
)

// DependencyGate verifies that any dependencies an output declares (via
// a "requires" list of artifact or capability names) are actually known
// to the runtime, catching agents that reference a capability that was
// never registered or an artifact that was never produced.
type DependencyGate struct {
	known func(name string) bool
}

// NewDependencyGate builds a DependencyGate backed by a known-name
// predicate (e.g. checking the capability registry and artifact store).
func NewDependencyGate(known func(name string) bool) *DependencyGate {
	return &DependencyGate{known: known}
}

func (g *DependencyGate) Name() string { return "dependency" }

func (g *DependencyGate) Evaluate(_ context.Context, in Input) (Outcome, error) {
	raw, ok := in.Output["requires"]
	if !ok {
		return Outcome{Gate: g.Name(), Passed: true, Score: 1}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return Outcome{Gate: g.Name(), Passed: false, Score: 0, Findings: []Finding{{
			Gate: g.Name(), Severity: SeverityCritical, Message: `"requires" must be a list`, Path: "$.requires",
		}}}, nil
	}

	var findings []Finding
	for i, item := range list {
		name, ok := item.(string)
		if !ok {
			findings = append(findings, Finding{
				Gate: g.Name(), Severity: SeverityCritical,
				Message: "dependency entry must be a string", Path: fmt.Sprintf("$.requires[%d]", i),
			})
			continue
		}
		if !g.known(name) {
			findings = append(findings, Finding{
				Gate: g.Name(), Severity: SeverityCritical,
				Message: fmt.Sprintf("unknown dependency %q", name), Path: fmt.Sprintf("$.requires[%d]", i),
			})
		}
	}

	if len(findings) == 0 {
		return Outcome{Gate: g.Name(), Passed: true, Score: 1}, nil
	}
	return Outcome{Gate: g.Name(), Passed: false, Score: 0, Findings: findings}, nil
}
