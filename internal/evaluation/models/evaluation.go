package models

import (
	"time"

	policymodels "keel/internal/policy/models"
	id "keel/pkg/domain"
)

// Result is the three-valued evaluation outcome. Inconclusive is data, not
// an error: it propagates like any other result.
type Result string

const (
	ResultPass         Result = "pass"
	ResultFail         Result = "fail"
	ResultInconclusive Result = "inconclusive"
)

// ConditionOutcome records how one condition contributed to the result.
type ConditionOutcome struct {
	Index        int                   `json:"index"`
	SignalType   string                `json:"signal_type"`
	Field        string                `json:"field"`
	Op           policymodels.Operator `json:"op"`
	Met          bool                  `json:"met"`
	Inconclusive bool                  `json:"inconclusive"`
	Diagnostic   string                `json:"diagnostic,omitempty"`
	// BreachingSignalIDs lists the signals that satisfied the condition,
	// in evaluation order. Used downstream for key-dimension extraction.
	BreachingSignalIDs []id.SignalID `json:"breaching_signal_ids,omitempty"`
}

// Details carries the structured explanation of a result.
type Details struct {
	Severity   id.Severity        `json:"severity,omitempty"`
	Conditions []ConditionOutcome `json:"conditions,omitempty"`
	Diagnostic string             `json:"diagnostic,omitempty"`
}

// Evaluation is one immutable application of a policy version to a signal
// set. Looked up by (namespace, input_hash) before creation, so identical
// inputs always resolve to the same record.
type Evaluation struct {
	ID              id.EvaluationID    `json:"id"`
	PolicyVersionID id.PolicyVersionID `json:"policy_version_id"`
	SignalIDs       []id.SignalID      `json:"signal_ids"`
	Result          Result             `json:"result"`
	Details         Details            `json:"details"`
	InputHash       string             `json:"input_hash"`
	Namespace       id.Namespace       `json:"namespace"`
	EvaluatedAt     time.Time          `json:"evaluated_at"`
}

// BreachingSignalIDs returns the deduplicated ids of signals that met any
// condition, preserving first-seen order.
func (e *Evaluation) BreachingSignalIDs() []id.SignalID {
	seen := make(map[id.SignalID]bool)
	var out []id.SignalID
	for _, c := range e.Details.Conditions {
		for _, signalID := range c.BreachingSignalIDs {
			if !seen[signalID] {
				seen[signalID] = true
				out = append(out, signalID)
			}
		}
	}
	return out
}
