package models

import (
	"strings"
	"time"

	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// ActionType is the closed set of mutations a proposal may request.
type ActionType string

const (
	ActionIngestSignal      ActionType = "ingest_signal"
	ActionCreatePolicyDraft ActionType = "create_policy_draft"
	ActionDismissException  ActionType = "dismiss_exception"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// forbiddenOptionKeys are ranking hints that must never appear in an
// options list, at any nesting depth. The scan is scoped to "options"
// subtrees because rule definitions legitimately use "default" for
// severity mappings.
var forbiddenOptionKeys = map[string]bool{
	"recommended": true,
	"default":     true,
	"priority":    true,
	"weight":      true,
	"ranking":     true,
}

// Proposal is an agent-originated request for a mutation. It becomes a
// real mutation only through an explicit human approval, which executes
// the same constructors direct callers use.
type Proposal struct {
	ID         id.ProposalID  `json:"id"`
	ActionType ActionType     `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	ProposedBy string         `json:"proposed_by"`
	Confidence *float64       `json:"confidence,omitempty"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// NewPending validates a proposal structurally before it may enter the
// queue. A safety violation fails here, never after partial admission.
func NewPending(proposalID id.ProposalID, actionType ActionType, payload map[string]any, proposedBy string, confidence *float64, createdAt time.Time) (*Proposal, error) {
	switch actionType {
	case ActionIngestSignal, ActionCreatePolicyDraft, ActionDismissException:
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown action type %q", actionType)
	}
	if len(payload) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "proposal payload is required")
	}
	if strings.TrimSpace(proposedBy) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "proposed_by is required")
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return nil, dErrors.New(dErrors.CodeValidation, "confidence must lie within [0, 1]")
	}
	if key := findForbiddenOptionKey(payload, false); key != "" {
		return nil, dErrors.Newf(dErrors.CodeValidation, "payload options carry forbidden ranking key %q", key)
	}
	return &Proposal{
		ID:         proposalID,
		ActionType: actionType,
		Payload:    payload,
		ProposedBy: proposedBy,
		Confidence: confidence,
		Status:     StatusPending,
		CreatedAt:  createdAt,
	}, nil
}

func findForbiddenOptionKey(value any, inOptions bool) string {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if inOptions && forbiddenOptionKeys[strings.ToLower(key)] {
				return key
			}
			if found := findForbiddenOptionKey(nested, inOptions || strings.EqualFold(key, "options")); found != "" {
				return found
			}
		}
	case []any:
		for _, nested := range v {
			if found := findForbiddenOptionKey(nested, inOptions); found != "" {
				return found
			}
		}
	}
	return ""
}

// CanDecide gates the pending -> approved/rejected transitions.
func (p *Proposal) CanDecide() error {
	if p.Status != StatusPending {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot decide proposal in status %q", p.Status)
	}
	return nil
}

func (p *Proposal) ApplyApproval(by string, at time.Time) {
	p.Status = StatusApproved
	p.DecidedBy = by
	p.DecidedAt = &at
}

func (p *Proposal) ApplyRejection(by, reason string, at time.Time) {
	p.Status = StatusRejected
	p.DecidedBy = by
	p.Reason = reason
	p.DecidedAt = &at
}
