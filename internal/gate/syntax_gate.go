package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SyntaxGate checks that any embedded structured-content fields in a
// task's output (by convention, string fields whose key ends in
// "_json") are themselves well-formed JSON, catching agents that emit
// a malformed payload inside an otherwise schema-valid wrapper.
type SyntaxGate struct{}

// NewSyntaxGate builds a SyntaxGate.
func NewSyntaxGate() *SyntaxGate { return &SyntaxGate{} }

func (g *SyntaxGate) Name() string { return "syntax" }

func (g *SyntaxGate) Evaluate(_ context.Context, in Input) (Outcome, error) {
	var findings []Finding
	walkJSONFields("$", in.Output, &findings)

	if len(findings) == 0 {
		return Outcome{Gate: g.Name(), Passed: true, Score: 1}, nil
	}
	return Outcome{Gate: g.Name(), Passed: false, Score: 0, Findings: findings}, nil
}

func walkJSONFields(path string, value any, findings *[]Finding) {
	switch v := value.(type) {
	case map[string]any:
		for k, elem := range v {
			childPath := fmt.Sprintf("%s.%s", path, k)
			if strings.HasSuffix(k, "_json") {
				if s, ok := elem.(string); ok {
					var probe any
					if err := json.Unmarshal([]byte(s), &probe); err != nil {
						*findings = append(*findings, Finding{
							Gate: "syntax", Severity: SeverityCritical,
							Message: fmt.Sprintf("malformed embedded JSON: %v", err),
							Path:    childPath,
						})
					}
					continue
				}
			}
			walkJSONFields(childPath, elem, findings)
		}
	case []any:
		for i, elem := range v {
			walkJSONFields(fmt.Sprintf("%s[%d]", path, i), elem, findings)
		}
	}
}
