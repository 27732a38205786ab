package service

import (
	"fmt"

	"keel/internal/evaluation/models"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
)

// interpret runs one rule definition against sorted signals. This is the
// single rule interpreter: the live path and the replay harness both reach
// it through Service.Evaluate, so their results cannot drift.
func interpret(rule policymodels.RuleDefinition, signals []*signalmodels.Signal) (models.Result, models.Details) {
	switch rule.Kind {
	case policymodels.RuleThresholdBreach:
		return interpretThreshold(rule.Threshold, signals)
	case policymodels.RulePatternMatch, policymodels.RuleAggregation:
		// Closed-set placeholder: an explicit not-implemented outcome, never
		// a crash and never a silent pass.
		return models.ResultInconclusive, models.Details{
			Diagnostic: fmt.Sprintf("rule family %q is not implemented", string(rule.Kind)),
		}
	default:
		return models.ResultInconclusive, models.Details{
			Diagnostic: fmt.Sprintf("rule family %q is outside the closed set", string(rule.Kind)),
		}
	}
}

func interpretThreshold(rule *policymodels.ThresholdBreach, signals []*signalmodels.Signal) (models.Result, models.Details) {
	outcomes := make([]models.ConditionOutcome, 0, len(rule.Conditions))
	for i, condition := range rule.Conditions {
		outcomes = append(outcomes, evaluateCondition(i, condition, signals))
	}

	var metCount, notMetCount, inconclusiveCount int
	for _, o := range outcomes {
		switch {
		case o.Inconclusive:
			inconclusiveCount++
		case o.Met:
			metCount++
		default:
			notMetCount++
		}
	}

	result := combine(rule.Logic, metCount, notMetCount, inconclusiveCount, len(outcomes))
	details := models.Details{Conditions: outcomes}
	if result == models.ResultFail {
		details.Severity = resolveSeverity(rule.SeverityMapping, outcomes, signals)
	}
	return result, details
}

// evaluateCondition checks one condition against every signal of its type.
// The condition is met when any matching signal satisfies the comparison;
// no matching signal, a missing field, or a type-incompatible comparison
// contributes inconclusive.
func evaluateCondition(index int, condition policymodels.Condition, signals []*signalmodels.Signal) models.ConditionOutcome {
	outcome := models.ConditionOutcome{
		Index:      index,
		SignalType: condition.SignalType,
		Field:      condition.Field,
		Op:         condition.Op,
	}

	matched := false
	for _, sig := range signals {
		if sig.SignalType != condition.SignalType {
			continue
		}
		matched = true

		left, ok := sig.Payload[condition.Field]
		if !ok {
			outcome.Inconclusive = true
			outcome.Diagnostic = fmt.Sprintf("field %q missing from payload", condition.Field)
			continue
		}

		var right any
		if condition.CompareField != "" {
			right, ok = sig.Payload[condition.CompareField]
			if !ok {
				outcome.Inconclusive = true
				outcome.Diagnostic = fmt.Sprintf("compare field %q missing from payload", condition.CompareField)
				continue
			}
		} else {
			right = condition.Value
		}

		met, err := compare(left, right, condition.Op)
		if err != nil {
			outcome.Inconclusive = true
			outcome.Diagnostic = err.Error()
			continue
		}
		if met {
			outcome.Met = true
			outcome.BreachingSignalIDs = append(outcome.BreachingSignalIDs, sig.ID)
		}
	}

	if !matched {
		outcome.Inconclusive = true
		outcome.Diagnostic = fmt.Sprintf("no signals of type %q", condition.SignalType)
	}
	// A definitive breach on one signal outweighs inconclusive contributions
	// from its siblings.
	if outcome.Met {
		outcome.Inconclusive = false
	}
	return outcome
}

func combine(logic policymodels.CombineLogic, met, notMet, inconclusive, total int) models.Result {
	switch logic {
	case policymodels.CombineAnyMet:
		if met > 0 {
			return models.ResultFail
		}
		if inconclusive > 0 {
			return models.ResultInconclusive
		}
		return models.ResultPass
	case policymodels.CombineAllMet:
		if met == total {
			return models.ResultFail
		}
		if notMet > 0 {
			return models.ResultPass
		}
		return models.ResultInconclusive
	default:
		return models.ResultInconclusive
	}
}

// resolveSeverity evaluates typed severity predicates against the payloads
// of breaching signals. First matching rule wins; the mapping default, or
// medium, applies otherwise.
func resolveSeverity(mapping policymodels.SeverityMapping, outcomes []models.ConditionOutcome, signals []*signalmodels.Signal) id.Severity {
	breaching := make(map[id.SignalID]bool)
	for _, o := range outcomes {
		for _, signalID := range o.BreachingSignalIDs {
			breaching[signalID] = true
		}
	}

	for _, rule := range mapping.Rules {
		for _, sig := range signals {
			if !breaching[sig.ID] {
				continue
			}
			value, ok := sig.Payload[rule.When.Field]
			if !ok {
				continue
			}
			met, err := compare(value, rule.When.Value, rule.When.Op)
			if err == nil && met {
				return rule.Severity
			}
		}
	}

	if mapping.Default.IsValid() {
		return mapping.Default
	}
	return id.SeverityMedium
}
