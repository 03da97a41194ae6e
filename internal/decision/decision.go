// Package decision implements the Decision Engine: a rule table mapping
// an error category to a remediation action, consulted whenever a task
// fails or a gate rejects its output.
package decision

import "github.com/swarmforge/conductor/internal/errcat"

// Action is the remediation a rule prescribes.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionEscalate Action = "escalate"
	ActionRollback Action = "rollback"
	ActionHalt     Action = "halt"
)

// Rule maps one error category to an Action.
type Rule struct {
	Category errcat.Category
	Action   Action
}

// Engine evaluates custom rules ahead of a built-in default table, so a
// caller can override behavior for specific categories without losing
// coverage for the rest.
type Engine struct {
	custom       []Rule
	defaultTable map[errcat.Category]Action
}

// New builds an Engine with the given custom rules, consulted before the
// built-in defaults.
func New(custom ...Rule) *Engine {
	return &Engine{
		custom: custom,
		defaultTable: map[errcat.Category]Action{
			errcat.Transient:  ActionRetry,
			errcat.Timeout:    ActionRetry,
			errcat.Validation: ActionEscalate,
			errcat.Dependency: ActionSkip,
			errcat.Security:   ActionEscalate,
			errcat.Permanent:  ActionSkip,
			errcat.Cancelled:  ActionSkip,
			errcat.Unknown:    ActionEscalate,
		},
	}
}

// Decide returns the Action for category, consulting custom rules first.
func (e *Engine) Decide(category errcat.Category) Action {
	for _, r := range e.custom {
		if r.Category == category {
			return r.Action
		}
	}
	if a, ok := e.defaultTable[category]; ok {
		return a
	}
	return ActionEscalate
}

// DecideGateCritical returns the remediation for a task whose output
// failed a validation gate with a critical finding: SKIP with
// dependents by default, or HALT the run when the task is marked
// required, per spec.md §4.8.
func (e *Engine) DecideGateCritical(required bool) Action {
	if required {
		return ActionHalt
	}
	return ActionSkip
}
