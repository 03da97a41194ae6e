// Package aggregator is the Result Aggregator: it folds every task's
// final result into one run-level bundle, deduplicating by artifact hash
// and classifying the overall outcome as succeeded, failed, or partial.
package aggregator

import (
	"strings"

	"github.com/swarmforge/conductor/internal/artifact"
	"github.com/swarmforge/conductor/internal/task"
)

// Overall classifies a completed run.
type Overall string

const (
	OverallSucceeded Overall = "succeeded"
	OverallFailed    Overall = "failed"
	OverallPartial   Overall = "partial"
)

// Bundle is the aggregated view of a completed run: every task's result,
// the deduplicated set of artifacts it produced, and a single overall
// verdict.
type Bundle struct {
	Results      map[string]task.Result
	Artifacts    []*artifact.Artifact
	Overall      Overall
	QualityScore float64
}

// Aggregator folds task results and their artifacts into a Bundle.
type Aggregator struct {
	store *artifact.Store
}

// New builds an Aggregator backed by store for artifact deduplication.
func New(store *artifact.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate builds a Bundle from results, storing each succeeded task's
// output as a deduplicated artifact.
func (a *Aggregator) Aggregate(results map[string]task.Result) (Bundle, error) {
	seen := make(map[string]bool)
	var artifacts []*artifact.Artifact

	succeeded, failed, skipped := 0, 0, 0
	var scoreSum float64
	var scored int
	for id, res := range results {
		switch res.Status {
		case task.StatusSucceeded, task.StatusValidated, task.StatusReported:
			succeeded++
			if res.Output != nil {
				art, err := a.store.Put(id, "", res.Output)
				if err != nil {
					return Bundle{}, err
				}
				if !seen[art.Hash] {
					seen[art.Hash] = true
					artifacts = append(artifacts, art)
				}
			}
		case task.StatusFailed:
			failed++
		case task.StatusSkipped, task.StatusCancelled:
			skipped++
		}
		switch {
		case res.Status == task.StatusValidated || res.Status == task.StatusReported:
			scoreSum += res.QualityScore
			scored++
		case res.Status == task.StatusFailed && strings.HasPrefix(res.Err, "gate_failed:"):
			scoreSum += res.QualityScore
			scored++
		}
	}

	overall := OverallSucceeded
	switch {
	case failed > 0 && succeeded == 0:
		overall = OverallFailed
	case failed > 0 || skipped > 0:
		overall = OverallPartial
	}

	var quality float64
	if scored > 0 {
		quality = scoreSum / float64(scored)
	}

	return Bundle{Results: results, Artifacts: artifacts, Overall: overall, QualityScore: quality}, nil
}
