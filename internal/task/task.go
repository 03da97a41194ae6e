// Package task defines the Task Extractor's unit of work: a single step
// bound to a capability, its declared dependencies, and the reference
// expressions resolved from plan input and sibling outputs.
package task

// Status closes the set of lifecycle states a Task can occupy, mirroring
// the orchestration state machine's transition table.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusReady      Status = "ready"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusValidated  Status = "validated"
	StatusReported   Status = "reported"
	StatusSkipped    Status = "skipped"
	StatusCancelled  Status = "cancelled"
)

// Task is a single node extracted from a plan: a capability invocation
// with its declared upstream dependencies and raw (unresolved) input.
type Task struct {
	ID               string         `json:"id"`
	Capability       string         `json:"capability"`
	Version          string         `json:"version"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	RawInput         map[string]any `json:"input"`
	RetryBudget      int            `json:"retry_budget"`
	TimeoutMS        int            `json:"timeout_ms"`
	Priority         int            `json:"priority,omitempty"`
	ComplexityScore  float64        `json:"complexity_score,omitempty"`
	Required         bool           `json:"required,omitempty"`
}

// Result captures the outcome of running a Task: its resolved output (on
// success) or failure detail, plus timing used for critical-path analysis.
type Result struct {
	TaskID       string         `json:"task_id"`
	Status       Status         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Err          string         `json:"error,omitempty"`
	Attempts     int            `json:"attempts"`
	DurationMS   int64          `json:"duration_ms"`
	QualityScore float64        `json:"quality_score"`
	// ForceHalt overrides the Run's failure policy for this single
	// result: a required task failing a critical quality gate halts the
	// whole run regardless of the configured continue/skip policy,
	// per spec.md §4.8.
	ForceHalt bool `json:"-"`
}
