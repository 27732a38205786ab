package models

import (
	"strings"
	"time"

	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Option is one symmetric resolution choice presented to the decider.
// The schema deliberately has no recommendation, default, priority,
// weight, or ranking field: every option reads as an equal peer and the
// system never steers the human choice.
type Option struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Description  string   `json:"description"`
	Implications []string `json:"implications"`
}

// Exception is a human-decision-required event raised from a failed
// evaluation. At most one exception per fingerprint may be open at a
// time; once resolved or dismissed the fingerprint may recur.
type Exception struct {
	ID            id.ExceptionID  `json:"id"`
	EvaluationID  id.EvaluationID `json:"evaluation_id"`
	PolicyID      id.PolicyID     `json:"policy_id"`
	Pack          id.Pack         `json:"pack"`
	ExceptionType string          `json:"exception_type"`
	Severity      id.Severity     `json:"severity"`
	Status        Status          `json:"status"`
	Fingerprint   string          `json:"fingerprint"`
	KeyDimensions map[string]any  `json:"key_dimensions"`
	Title         string          `json:"title"`
	Context       map[string]any  `json:"context"`
	Options       []Option        `json:"options"`
	Namespace     id.Namespace    `json:"namespace"`
	RaisedAt      time.Time       `json:"raised_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// NewOpen builds an open exception, validating the pieces the engine is
// responsible for assembling.
func NewOpen(
	exceptionID id.ExceptionID,
	evaluationID id.EvaluationID,
	policyID id.PolicyID,
	pack id.Pack,
	exceptionType string,
	severity id.Severity,
	fingerprint string,
	keyDimensions map[string]any,
	title string,
	context map[string]any,
	options []Option,
	namespace id.Namespace,
	raisedAt time.Time,
) (*Exception, error) {
	if exceptionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "exception id is required")
	}
	if evaluationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "evaluation id is required")
	}
	if strings.TrimSpace(exceptionType) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "exception type is required")
	}
	if !severity.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "invalid severity %q", severity)
	}
	if fingerprint == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "fingerprint is required")
	}
	if err := ValidateOptions(options); err != nil {
		return nil, err
	}
	return &Exception{
		ID:            exceptionID,
		EvaluationID:  evaluationID,
		PolicyID:      policyID,
		Pack:          pack,
		ExceptionType: exceptionType,
		Severity:      severity,
		Status:        StatusOpen,
		Fingerprint:   fingerprint,
		KeyDimensions: keyDimensions,
		Title:         title,
		Context:       context,
		Options:       options,
		Namespace:     namespace,
		RaisedAt:      raisedAt,
	}, nil
}

// ValidateOptions enforces the symmetry contract: at least two options,
// unique non-empty ids, and labels present on every entry.
func ValidateOptions(options []Option) error {
	if len(options) < 2 {
		return dErrors.New(dErrors.CodeValidation, "an exception needs at least two options")
	}
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		if strings.TrimSpace(opt.ID) == "" {
			return dErrors.New(dErrors.CodeValidation, "option id is required")
		}
		if seen[opt.ID] {
			return dErrors.Newf(dErrors.CodeValidation, "duplicate option id %q", opt.ID)
		}
		seen[opt.ID] = true
		if strings.TrimSpace(opt.Label) == "" {
			return dErrors.Newf(dErrors.CodeValidation, "option %q has no label", opt.ID)
		}
	}
	return nil
}

// HasOption reports whether optionID names one of the exception's options.
func (e *Exception) HasOption(optionID string) bool {
	for _, opt := range e.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

func (e *Exception) IsOpen() bool {
	return e.Status == StatusOpen
}

// CanResolve gates the open -> resolved transition.
func (e *Exception) CanResolve() error {
	if e.Status != StatusOpen {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot resolve exception in status %q", e.Status)
	}
	return nil
}

// ApplyResolution marks the exception resolved at the decision time.
func (e *Exception) ApplyResolution(at time.Time) {
	e.Status = StatusResolved
	e.ResolvedAt = &at
}

// CanDismiss gates the open -> dismissed transition.
func (e *Exception) CanDismiss() error {
	if e.Status != StatusOpen {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot dismiss exception in status %q", e.Status)
	}
	return nil
}

// ApplyDismissal marks the exception dismissed, freeing its fingerprint.
func (e *Exception) ApplyDismissal(at time.Time) {
	e.Status = StatusDismissed
	e.ResolvedAt = &at
}
