package models

import (
	"time"

	"keel/internal/audit"
	decisionmodels "keel/internal/decision/models"
	evalmodels "keel/internal/evaluation/models"
	excmodels "keel/internal/exception/models"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
)

// PolicyIdentity pins the exact policy version the evidence refers to,
// including the rule text that was in force.
type PolicyIdentity struct {
	PolicyID        id.PolicyID                 `json:"policy_id"`
	PolicyVersionID id.PolicyVersionID          `json:"policy_version_id"`
	Name            string                      `json:"name"`
	VersionNumber   int                         `json:"version_number"`
	Pack            id.Pack                     `json:"pack"`
	Rule            policymodels.RuleDefinition `json:"rule"`
}

// Metadata describes the generation itself.
type Metadata struct {
	Generator     string    `json:"generator"`
	SchemaVersion int       `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Document is the complete evidence record for one decision. It carries
// the full exception option list alongside the chosen id so a verifier
// can confirm no ranking ever existed, the signals that fed the
// evaluation in observation order, and the audit trail of the whole
// evaluation to decision chain in occurrence order.
type Document struct {
	Decision   *decisionmodels.Decision `json:"decision"`
	Exception  *excmodels.Exception     `json:"exception"`
	Evaluation *evalmodels.Evaluation   `json:"evaluation"`
	Policy     PolicyIdentity           `json:"policy"`
	Signals    []*signalmodels.Signal   `json:"signals"`
	AuditTrail []audit.Event            `json:"audit_trail"`
	Metadata   Metadata                 `json:"metadata"`
}

// EvidencePack links a decision to its immutable evidence document.
type EvidencePack struct {
	ID          id.EvidencePackID `json:"id"`
	DecisionID  id.DecisionID     `json:"decision_id"`
	Document    Document          `json:"document"`
	ContentHash string            `json:"content_hash"`
	GeneratedAt time.Time         `json:"generated_at"`
}
