// Package gate implements the Gate Runner: a fixed-order chain of
// validation gates (schema, syntax, dependency, security, testing) run
// against a task's output before it is accepted into the plan.
package gate

import "context"

// Severity classifies a Finding's impact on gate outcome.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one issue raised by a gate.
type Finding struct {
	Gate     string   `json:"gate"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
}

// Outcome is a single gate's verdict: whether it passed and a weighted
// score (0-1, higher is better) contributing to the chain's aggregate.
type Outcome struct {
	Gate     string
	Passed   bool
	Score    float64
	Findings []Finding
}

// Input bundles everything a gate needs to evaluate a task's output.
type Input struct {
	TaskID     string
	Capability string
	Output     map[string]any
}

// Gate evaluates Input and returns an Outcome. Implementations must not
// mutate Input.Output.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (Outcome, error)
}

// Chain runs a fixed, ordered sequence of gates, short-circuiting on the
// first critical finding (subsequent gates are skipped, not scored).
type Chain struct {
	gates   []Gate
	weights map[string]float64
}

// RunnerOption configures a Chain at construction time.
type RunnerOption func(*Chain)

// WithWeight overrides a gate's contribution to the aggregate score.
// Gates without an explicit weight default to 1 (equal weight).
func WithWeight(gateName string, weight float64) RunnerOption {
	return func(c *Chain) {
		c.weights[gateName] = weight
	}
}

// NewChain builds a gate Chain in the given evaluation order, equal-weight
// by default; pass WithWeight to override specific gates.
func NewChain(gates []Gate, opts ...RunnerOption) *Chain {
	c := &Chain{gates: gates, weights: make(map[string]float64)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) weightFor(name string) float64 {
	if w, ok := c.weights[name]; ok {
		return w
	}
	return 1
}

// Report is the aggregate result of running every gate in the chain (or
// until short-circuit).
type Report struct {
	Outcomes     []Outcome
	Passed       bool
	Score        float64
	ShortCircuit string // name of the gate that triggered short-circuit, if any
}

// Run evaluates every gate in order, short-circuiting if a gate produces
// a critical finding. The aggregate score is the weighted mean of every
// gate that actually ran (weight 1 unless set by WithWeight); a
// short-circuited run scores 0.
func (c *Chain) Run(ctx context.Context, in Input) (Report, error) {
	var report Report
	passed := true
	var weightedSum, weightTotal float64

	for _, g := range c.gates {
		outcome, err := g.Evaluate(ctx, in)
		if err != nil {
			return report, err
		}
		report.Outcomes = append(report.Outcomes, outcome)
		weight := c.weightFor(g.Name())
		weightedSum += outcome.Score * weight
		weightTotal += weight
		if !outcome.Passed {
			passed = false
		}
		if hasCritical(outcome.Findings) {
			report.ShortCircuit = g.Name()
			break
		}
	}

	report.Passed = passed
	if weightTotal > 0 {
		report.Score = weightedSum / weightTotal
	}
	if report.ShortCircuit != "" {
		report.Score = 0
	}
	return report, nil
}

func hasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
