package models

import (
	evalmodels "keel/internal/evaluation/models"
	id "keel/pkg/domain"
)

// DiffKey identifies one evaluation across two runs.
type DiffKey struct {
	SignalID id.SignalID `json:"signal_id"`
	PolicyID id.PolicyID `json:"policy_id"`
}

// EvaluationDiff records one divergence between baseline and comparison.
// NonDeterministic is set when both sides hashed the same input yet
// produced different results, which is a kernel defect rather than an
// expected policy-change effect.
type EvaluationDiff struct {
	Key              DiffKey           `json:"key"`
	BaselineResult   evalmodels.Result `json:"baseline_result"`
	ComparisonResult evalmodels.Result `json:"comparison_result"`
	BaselineHash     string            `json:"baseline_hash"`
	ComparisonHash   string            `json:"comparison_hash"`
	NonDeterministic bool              `json:"non_deterministic"`
}

// ComparisonResult is the diff of two replay runs.
type ComparisonResult struct {
	Matches            int              `json:"matches"`
	Diffs              []EvaluationDiff `json:"diffs"`
	OnlyBaseline       []DiffKey        `json:"only_baseline,omitempty"`
	OnlyComparison     []DiffKey        `json:"only_comparison,omitempty"`
	NewExceptions      []string         `json:"new_exceptions,omitempty"`
	ResolvedExceptions []string         `json:"resolved_exceptions,omitempty"`
	Verdict            string           `json:"verdict"`
}

// NonDeterministic reports whether any diff is a same-hash divergence.
func (c *ComparisonResult) NonDeterministic() bool {
	for _, diff := range c.Diffs {
		if diff.NonDeterministic {
			return true
		}
	}
	return false
}
