package models

import (
	"time"

	evalmodels "keel/internal/evaluation/models"
	excmodels "keel/internal/exception/models"
	id "keel/pkg/domain"
)

// Config scopes one replay run. The namespace must not be the production
// namespace; everything the run writes stays inside it.
type Config struct {
	Namespace    id.Namespace  `json:"namespace"`
	Pack         id.Pack       `json:"pack"`
	From         time.Time     `json:"from"`
	To           time.Time     `json:"to"`
	PolicyFilter []id.PolicyID `json:"policy_filter,omitempty"`
}

// Counts aggregates results over a run. Partial counts from an aborted
// run are still valid: every counted evaluation really happened.
type Counts struct {
	Pass         int `json:"pass"`
	Fail         int `json:"fail"`
	Inconclusive int `json:"inconclusive"`
}

func (c Counts) Total() int {
	return c.Pass + c.Fail + c.Inconclusive
}

// Evaluation pairs a replay evaluation with the policy it ran under.
// The policy id is carried alongside because comparison keys on
// (signal_id, policy_id), not on the version.
type Evaluation struct {
	PolicyID   id.PolicyID            `json:"policy_id"`
	Evaluation *evalmodels.Evaluation `json:"evaluation"`
}

// Result is the outcome of one replay run.
type Result struct {
	Namespace   id.Namespace           `json:"namespace"`
	Pack        id.Pack                `json:"pack"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Aborted     bool                   `json:"aborted"`
	Counts      Counts                 `json:"counts"`
	Evaluations []Evaluation           `json:"evaluations"`
	Exceptions  []*excmodels.Exception `json:"exceptions"`
}

// ExceptionFingerprints returns the deduplicated fingerprint set of the
// run's exceptions.
func (r *Result) ExceptionFingerprints() map[string]bool {
	out := make(map[string]bool, len(r.Exceptions))
	for _, exception := range r.Exceptions {
		out[exception.Fingerprint] = true
	}
	return out
}
