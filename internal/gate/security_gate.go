package gate

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// SecurityGate evaluates a task's output against a compiled Rego policy
// bundle, the same way the wider platform's policy service gates
// arbitrary data: deny rules surface as critical findings.
type SecurityGate struct {
	query    rego.PreparedEvalQuery
	pkg      string
}

// NewSecurityGate loads policyModules (filename -> Rego source) under
// the given default package and prepares the "deny" query ahead of time.
func NewSecurityGate(ctx context.Context, pkg string, policyModules map[string]string) (*SecurityGate, error) {
	if pkg == "" {
		pkg = "conductor.security"
	}
	var opts []func(*rego.Rego)
	opts = append(opts,
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
		rego.Store(inmem.New()),
	)
	for name, src := range policyModules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare security policy: %w", err)
	}
	return &SecurityGate{query: prepared, pkg: pkg}, nil
}

func (g *SecurityGate) Name() string { return "security" }

func (g *SecurityGate) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(map[string]any{
		"task_id":    in.TaskID,
		"capability": in.Capability,
		"output":     in.Output,
	}))
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate security policy: %w", err)
	}

	var denials []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			vals, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range vals {
				if s, ok := v.(string); ok {
					denials = append(denials, s)
				}
			}
		}
	}

	if len(denials) == 0 {
		return Outcome{Gate: g.Name(), Passed: true, Score: 1}, nil
	}
	findings := make([]Finding, 0, len(denials))
	for _, d := range denials {
		findings = append(findings, Finding{Gate: g.Name(), Severity: SeverityCritical, Message: d})
	}
	return Outcome{Gate: g.Name(), Passed: false, Score: 0, Findings: findings}, nil
}
