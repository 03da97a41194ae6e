package gate

import (
	"context"
	"fmt"
)

// Probe is one assertion the testing gate runs against a task's output,
// analogous to a single test case registered for a capability.
type Probe struct {
	Name  string
	Check func(output map[string]any) error
}

// TestingGate runs a capability's registered probes against its output,
// the last link in the chain: by this point the output is structurally
// sound, syntactically clean, dependency-consistent, and policy-clean,
// so failures here are capability-specific behavioral regressions.
type TestingGate struct {
	probesFor func(capability string) []Probe
}

// NewTestingGate builds a TestingGate backed by a per-capability probe
// lookup.
func NewTestingGate(probesFor func(capability string) []Probe) *TestingGate {
	return &TestingGate{probesFor: probesFor}
}

func (g *TestingGate) Name() string { return "testing" }

func (g *TestingGate) Evaluate(_ context.Context, in Input) (Outcome, error) {
	probes := g.probesFor(in.Capability)
	if len(probes) == 0 {
		return Outcome{Gate: g.Name(), Passed: true, Score: 1}, nil
	}

	var findings []Finding
	passedCount := 0
	for _, p := range probes {
		if err := p.Check(in.Output); err != nil {
			findings = append(findings, Finding{
				Gate: g.Name(), Severity: SeverityWarning,
				Message: fmt.Sprintf("probe %q failed: %v", p.Name, err),
			})
			continue
		}
		passedCount++
	}

	score := float64(passedCount) / float64(len(probes))
	return Outcome{
		Gate:     g.Name(),
		Passed:   passedCount == len(probes),
		Score:    score,
		Findings: findings,
	}, nil
}
