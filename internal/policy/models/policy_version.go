package models

import (
	"strings"
	"time"

	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// Status is the policy version lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// PolicyVersion is an immutable, versioned, temporally scoped rule
// definition.
//
// Invariants:
//   - VersionNumber is positive and unique per policy
//   - Status moves draft -> active -> archived, never backwards
//   - At most one active version per policy is valid at any instant;
//     activation archives the prior active version
//   - Rule is validated at construction and never changes afterwards
type PolicyVersion struct {
	ID            id.PolicyVersionID `json:"id"`
	PolicyID      id.PolicyID        `json:"policy_id"`
	Pack          id.Pack            `json:"pack"`
	Name          string             `json:"name"`
	VersionNumber int                `json:"version_number"`
	Status        Status             `json:"status"`
	Rule          RuleDefinition     `json:"rule_definition"`
	ValidFrom     time.Time          `json:"valid_from"`
	ValidTo       *time.Time         `json:"valid_to,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// NewDraft validates and constructs a draft policy version.
func NewDraft(versionID id.PolicyVersionID, policyID id.PolicyID, pack id.Pack, name string, versionNumber int, rule RuleDefinition, createdAt time.Time) (*PolicyVersion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "policy name is required")
	}
	if versionNumber < 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "version_number must be positive")
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &PolicyVersion{
		ID:            versionID,
		PolicyID:      policyID,
		Pack:          pack,
		Name:          name,
		VersionNumber: versionNumber,
		Status:        StatusDraft,
		Rule:          rule,
		CreatedAt:     createdAt,
	}, nil
}

// ValidAt reports whether t falls within [ValidFrom, ValidTo). A nil
// ValidTo is open-ended.
func (v *PolicyVersion) ValidAt(t time.Time) bool {
	if v.ValidFrom.IsZero() || t.Before(v.ValidFrom) {
		return false
	}
	if v.ValidTo != nil && !t.Before(*v.ValidTo) {
		return false
	}
	return true
}

// CanActivate checks the draft -> active transition.
func (v *PolicyVersion) CanActivate() error {
	if v.Status != StatusDraft {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot activate a %s policy version", string(v.Status))
	}
	return nil
}

// ApplyActivation transitions to active, valid from the given instant.
// Call CanActivate first.
func (v *PolicyVersion) ApplyActivation(at time.Time) {
	v.Status = StatusActive
	v.ValidFrom = at
	v.ValidTo = nil
}

// CanArchive checks the active -> archived transition.
func (v *PolicyVersion) CanArchive() error {
	if v.Status != StatusActive {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot archive a %s policy version", string(v.Status))
	}
	return nil
}

// ApplyArchival transitions to archived, closing the validity window.
// Call CanArchive first.
func (v *PolicyVersion) ApplyArchival(at time.Time) {
	v.Status = StatusArchived
	closed := at
	v.ValidTo = &closed
}
