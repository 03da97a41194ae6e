package graph

import (
	"fmt"
	"strings"
)

// Resolver resolves $input.* and $steps.<id>.output.<path> reference
// expressions found anywhere inside a task's raw input, recursing through
// nested objects and arrays.
type Resolver struct {
	input   map[string]any
	outputs map[string]map[string]any // taskID -> output
}

// NewResolver builds a reference resolver bound to a plan's top-level
// input and the outputs produced so far by completed sibling tasks.
func NewResolver(input map[string]any, outputs map[string]map[string]any) *Resolver {
	return &Resolver{input: input, outputs: outputs}
}

// Resolve walks value recursively, substituting any string that is
// entirely a reference expression and leaving all other values untouched.
func (r *Resolver) Resolve(value any) (any, error) {
	switch v := value.(type) {
	case string:
		if isRef(v) {
			return r.resolveExpr(v)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			resolved, err := r.Resolve(elem)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			resolved, err := r.Resolve(elem)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func isRef(s string) bool {
	return strings.HasPrefix(s, "$input.") || strings.HasPrefix(s, "$steps.")
}

func (r *Resolver) resolveExpr(expr string) (any, error) {
	switch {
	case strings.HasPrefix(expr, "$input."):
		path := strings.Split(strings.TrimPrefix(expr, "$input."), ".")
		return lookupPath(r.input, path)
	case strings.HasPrefix(expr, "$steps."):
		rest := strings.TrimPrefix(expr, "$steps.")
		parts := strings.SplitN(rest, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed step reference %q", expr)
		}
		stepID, tail := parts[0], parts[1]
		out, ok := r.outputs[stepID]
		if !ok {
			return nil, fmt.Errorf("reference to unresolved step %q", stepID)
		}
		// "output" is a marker segment, not a real field of the output map.
		tail = strings.TrimPrefix(tail, "output.")
		if tail == "output" {
			return out, nil
		}
		path := strings.Split(tail, ".")
		return lookupPath(out, path)
	default:
		return nil, fmt.Errorf("unrecognized reference expression %q", expr)
	}
}

func lookupPath(root map[string]any, path []string) (any, error) {
	var cur any = root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot descend into non-object at %q", seg)
		}
		v, ok := m[seg]
		if !ok {
			return nil, fmt.Errorf("path segment %q not found", seg)
		}
		cur = v
	}
	return cur, nil
}
