package models

import (
	"strings"
	"time"

	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// Decision is the immutable human resolution of an exception. There is
// no mutator and no update path in any store: once written, a decision
// can only be read.
type Decision struct {
	ID             id.DecisionID  `json:"id"`
	ExceptionID    id.ExceptionID `json:"exception_id"`
	ChosenOptionID string         `json:"chosen_option_id"`
	Rationale      string         `json:"rationale"`
	DecidedBy      string         `json:"decided_by"`
	Assumptions    []string       `json:"assumptions,omitempty"`
	IsHardOverride bool           `json:"is_hard_override"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	ApprovalNotes  string         `json:"approval_notes,omitempty"`
	Namespace      id.Namespace   `json:"namespace"`
	DecidedAt      time.Time      `json:"decided_at"`
}

// New builds a decision. Exception-dependent checks (status, option
// membership) belong to the recorder; this validates the free-standing
// fields.
func New(
	decisionID id.DecisionID,
	exceptionID id.ExceptionID,
	chosenOptionID string,
	rationale string,
	decidedBy string,
	assumptions []string,
	isHardOverride bool,
	approvedBy string,
	approvalNotes string,
	namespace id.Namespace,
	decidedAt time.Time,
) (*Decision, error) {
	if decisionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "decision id is required")
	}
	if exceptionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "exception id is required")
	}
	if strings.TrimSpace(decidedBy) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "decided_by is required")
	}
	decision := &Decision{
		ID:             decisionID,
		ExceptionID:    exceptionID,
		ChosenOptionID: chosenOptionID,
		Rationale:      rationale,
		DecidedBy:      decidedBy,
		Assumptions:    assumptions,
		IsHardOverride: isHardOverride,
		ApprovedBy:     approvedBy,
		ApprovalNotes:  approvalNotes,
		Namespace:      namespace,
		DecidedAt:      decidedAt,
	}
	if isHardOverride && strings.TrimSpace(approvedBy) != "" {
		decision.ApprovedAt = &decidedAt
	}
	return decision, nil
}
