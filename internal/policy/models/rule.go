package models

import (
	"encoding/json"

	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// RuleKind is the closed set of rule families. Extending it means adding a
// variant here, a handler in the evaluator, and a key-dimension extractor;
// there is no open-string dispatch.
type RuleKind string

const (
	RuleThresholdBreach RuleKind = "threshold_breach"
	RulePatternMatch    RuleKind = "pattern_match"
	RuleAggregation     RuleKind = "aggregation"
)

var validRuleKinds = map[RuleKind]bool{
	RuleThresholdBreach: true,
	RulePatternMatch:    true,
	RuleAggregation:     true,
}

// Operator is a comparison operator in a condition or severity predicate.
type Operator string

const (
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

var validOperators = map[Operator]bool{
	OpGreater: true, OpGreaterOrEqual: true,
	OpLess: true, OpLessOrEqual: true,
	OpEqual: true, OpNotEqual: true,
}

func (o Operator) IsValid() bool { return validOperators[o] }

// CombineLogic says how a threshold rule combines its conditions.
type CombineLogic string

const (
	CombineAnyMet CombineLogic = "any_met"
	CombineAllMet CombineLogic = "all_met"
)

// Condition filters signals by type and compares one payload field against
// either a literal value or another payload field on the same signal.
type Condition struct {
	SignalType   string   `json:"signal_type"`
	Field        string   `json:"field"`
	Op           Operator `json:"op"`
	Value        any      `json:"value,omitempty"`
	CompareField string   `json:"compare_field,omitempty"`
}

func (c Condition) validate() error {
	if c.SignalType == "" {
		return dErrors.New(dErrors.CodeValidation, "condition signal_type is required")
	}
	if c.Field == "" {
		return dErrors.New(dErrors.CodeValidation, "condition field is required")
	}
	if !c.Op.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "condition operator %q is not supported", string(c.Op))
	}
	if c.Value == nil && c.CompareField == "" {
		return dErrors.New(dErrors.CodeValidation, "condition needs a literal value or a compare_field")
	}
	if c.Value != nil && c.CompareField != "" {
		return dErrors.New(dErrors.CodeValidation, "condition cannot have both a literal value and a compare_field")
	}
	return nil
}

// Predicate is a typed severity predicate: field OP value, evaluated by the
// same comparator as threshold conditions. There is no string mini-language.
type Predicate struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

func (p Predicate) validate() error {
	if p.Field == "" {
		return dErrors.New(dErrors.CodeValidation, "severity predicate field is required")
	}
	if !p.Op.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "severity predicate operator %q is not supported", string(p.Op))
	}
	if p.Value == nil {
		return dErrors.New(dErrors.CodeValidation, "severity predicate value is required")
	}
	return nil
}

// SeverityRule maps one predicate to a severity.
type SeverityRule struct {
	When     Predicate   `json:"when"`
	Severity id.Severity `json:"severity"`
}

// SeverityMapping yields a severity on breach: first matching predicate
// wins, otherwise Default applies.
type SeverityMapping struct {
	Rules   []SeverityRule `json:"rules,omitempty"`
	Default id.Severity    `json:"default"`
}

func (m SeverityMapping) validate() error {
	if m.Default != "" && !m.Default.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown default severity %q", m.Default.String())
	}
	for _, rule := range m.Rules {
		if err := rule.When.validate(); err != nil {
			return err
		}
		if !rule.Severity.IsValid() {
			return dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", rule.Severity.String())
		}
	}
	return nil
}

// ThresholdBreach is the one fully implemented rule family.
type ThresholdBreach struct {
	Conditions      []Condition     `json:"conditions"`
	Logic           CombineLogic    `json:"evaluation_logic"`
	SeverityMapping SeverityMapping `json:"severity_mapping"`
	// KeyDimensions lists payload fields that identify the underlying
	// problem (e.g. asset symbol) for exception fingerprinting.
	KeyDimensions []string `json:"key_dimensions,omitempty"`
}

// PatternMatch is a placeholder variant: evaluating it yields an explicit
// not-implemented outcome, never a crash.
type PatternMatch struct {
	Pattern string `json:"pattern"`
}

// Aggregation is a placeholder variant, same contract as PatternMatch.
type Aggregation struct {
	Function string `json:"function"`
	Window   string `json:"window"`
}

// RuleDefinition is a tagged variant over the closed rule-family set.
// Exactly the field matching Kind is set.
type RuleDefinition struct {
	Kind        RuleKind         `json:"kind"`
	Threshold   *ThresholdBreach `json:"threshold,omitempty"`
	Pattern     *PatternMatch    `json:"pattern,omitempty"`
	Aggregation *Aggregation     `json:"aggregation,omitempty"`
}

// Validate rejects malformed rules at policy creation, so evaluation never
// sees one.
func (r RuleDefinition) Validate() error {
	if !validRuleKinds[r.Kind] {
		return dErrors.Newf(dErrors.CodeValidation, "unknown rule kind %q", string(r.Kind))
	}
	switch r.Kind {
	case RuleThresholdBreach:
		if r.Threshold == nil {
			return dErrors.New(dErrors.CodeValidation, "threshold_breach rule needs a threshold definition")
		}
		if len(r.Threshold.Conditions) == 0 {
			return dErrors.New(dErrors.CodeValidation, "threshold_breach rule needs at least one condition")
		}
		if r.Threshold.Logic != CombineAnyMet && r.Threshold.Logic != CombineAllMet {
			return dErrors.Newf(dErrors.CodeValidation, "unknown evaluation_logic %q", string(r.Threshold.Logic))
		}
		for _, c := range r.Threshold.Conditions {
			if err := c.validate(); err != nil {
				return err
			}
		}
		return r.Threshold.SeverityMapping.validate()
	case RulePatternMatch:
		if r.Pattern == nil {
			return dErrors.New(dErrors.CodeValidation, "pattern_match rule needs a pattern definition")
		}
		return nil
	case RuleAggregation:
		if r.Aggregation == nil {
			return dErrors.New(dErrors.CodeValidation, "aggregation rule needs an aggregation definition")
		}
		return nil
	}
	return dErrors.Newf(dErrors.CodeValidation, "unknown rule kind %q", string(r.Kind))
}

// MarshalDocument renders the rule for storage and evidence packs.
func (r RuleDefinition) MarshalDocument() (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
