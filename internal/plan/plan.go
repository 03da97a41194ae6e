// Package plan implements the Task Extractor: it turns a parsed plan
// object — an ordered sequence of work items naming a capability and an
// input that may reference prior steps or run-wide input — into a Task
// set and compiled Dependency Graph, binding each work item's capability
// against the Schema Registry and discovering data edges from
// $steps.<id>.output.* references.
package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/swarmforge/conductor/internal/capability"
	"github.com/swarmforge/conductor/internal/graph"
	"github.com/swarmforge/conductor/internal/task"
)

// WorkItem is one step of a plan as handed to the Task Extractor: a
// capability reference, a literal-or-reference input value, and an
// optional explicit ordering dependency list (§4.1's depends_on, unioned
// with data edges discovered from references inside Input).
type WorkItem struct {
	ID         string         `json:"id,omitempty"`
	Capability string         `json:"capability"`
	Version    string         `json:"version"`
	Input      map[string]any `json:"input"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Retry      int            `json:"retry,omitempty"`
	TimeoutMS  int            `json:"timeout_ms,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	Required   bool           `json:"required,omitempty"`
}

// Plan is the top-level parsed object the Task Extractor consumes: an
// ordered sequence of work items plus the run-wide input bag addressable
// as $input.*.
type Plan struct {
	Items []WorkItem     `json:"items"`
	Input map[string]any `json:"input,omitempty"`
}

// Error reports an extraction failure, always fatal to the Run per
// spec.md §4.1 and §7.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func extractionError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Extract parses p into a Task set and compiled Dependency Graph,
// binding every work item's capability against reg and failing with a
// *Error when a capability is unknown, a reference cannot be resolved
// against a known sibling step, a declared dependency names a
// non-existent task, or the resulting graph contains a cycle.
func Extract(p Plan, reg *capability.Registry) ([]*task.Task, *graph.Graph, error) {
	tasks := make([]*task.Task, 0, len(p.Items))
	byID := make(map[string]*WorkItem, len(p.Items))
	idFor := make(map[int]string, len(p.Items))

	for i, item := range p.Items {
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := byID[id]; dup {
			return nil, nil, extractionError("spec_parse_error", "duplicate work item id %q", id)
		}
		idFor[i] = id
		cp := item
		cp.ID = id
		byID[id] = &cp
	}

	for i, item := range p.Items {
		id := idFor[i]
		cap, ok := reg.Get(item.Capability, item.Version)
		if !ok {
			return nil, nil, extractionError("schema_unknown", "work item %q names unknown capability %s@%s", id, item.Capability, item.Version)
		}

		dataDeps, err := referencedSteps(item.Input, byID)
		if err != nil {
			return nil, nil, extractionError("reference_unresolved", "work item %q: %v", id, err)
		}

		depends := unionDeps(item.DependsOn, dataDeps)
		for _, dep := range depends {
			if _, ok := byID[dep]; !ok {
				return nil, nil, extractionError("reference_unresolved", "work item %q depends on unknown step %q", id, dep)
			}
		}

		retryBudget := item.Retry
		timeoutMS := item.TimeoutMS
		if timeoutMS <= 0 {
			timeoutMS = cap.TimeoutMS
		}

		t := &task.Task{
			ID:              id,
			Capability:      item.Capability,
			Version:         item.Version,
			DependsOn:       depends,
			RawInput:        item.Input,
			RetryBudget:     retryBudget,
			TimeoutMS:       timeoutMS,
			Priority:        item.Priority,
			Required:        item.Required,
			ComplexityScore: complexityScore(item.Input, len(dataDeps), cap),
		}
		tasks = append(tasks, t)
	}

	g, err := graph.Build(tasks)
	if err != nil {
		return nil, nil, extractionError("cycle_detected", "%v", err)
	}
	return tasks, g, nil
}

// unionDeps merges declared ordering dependencies with discovered data
// dependencies, deduplicating while preserving first-seen order.
func unionDeps(declared, data []string) []string {
	seen := make(map[string]bool, len(declared)+len(data))
	out := make([]string, 0, len(declared)+len(data))
	for _, d := range append(append([]string{}, declared...), data...) {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// referencedSteps walks value recursively and collects every distinct
// step ID referenced via $steps.<id>.output.* anywhere in the value,
// including inside nested objects and arrays.
func referencedSteps(value any, known map[string]*WorkItem) ([]string, error) {
	seen := make(map[string]bool)
	var walk func(v any) error
	walk = func(v any) error {
		switch t := v.(type) {
		case string:
			if !strings.HasPrefix(t, "$steps.") {
				return nil
			}
			rest := strings.TrimPrefix(t, "$steps.")
			parts := strings.SplitN(rest, ".", 2)
			if len(parts) < 1 || parts[0] == "" {
				return fmt.Errorf("malformed step reference %q", t)
			}
			stepID := parts[0]
			if _, ok := known[stepID]; !ok {
				return fmt.Errorf("reference to unknown step %q", stepID)
			}
			seen[stepID] = true
			return nil
		case map[string]any:
			for _, elem := range t {
				if err := walk(elem); err != nil {
					return err
				}
			}
			return nil
		case []any:
			for _, elem := range t {
				if err := walk(elem); err != nil {
					return err
				}
			}
			return nil
		default:
			return nil
		}
	}
	if err := walk(value); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// complexityScore informs scheduling heuristics only (spec.md §4.1 step
// 6): a function of how many sibling outputs a step consumes, the size
// of its own input, and the capability's declared complexity weight
// (approximated here by its declared timeout, a proxy for expected
// work).
func complexityScore(input map[string]any, refCount int, cap *capability.Capability) float64 {
	score := float64(refCount) * 2
	score += float64(countLeaves(input)) * 0.1
	if cap.TimeoutMS > 0 {
		score += float64(cap.TimeoutMS) / 1000
	}
	return score
}

func countLeaves(v any) int {
	switch t := v.(type) {
	case map[string]any:
		n := 0
		for _, elem := range t {
			n += countLeaves(elem)
		}
		return n
	case []any:
		n := 0
		for _, elem := range t {
			n += countLeaves(elem)
		}
		return n
	default:
		return 1
	}
}
