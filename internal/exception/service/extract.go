package service

import (
	evalmodels "keel/internal/evaluation/models"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
)

// Extractor derives the key dimensions that identify the underlying
// problem of a failed evaluation, e.g. the asset symbol behind a position
// breach. Two failures with the same key dimensions are the same problem
// for dedup purposes.
type Extractor func(rule policymodels.RuleDefinition, evaluation *evalmodels.Evaluation, signals []*signalmodels.Signal) map[string]any

// extractors is keyed by rule family. Families without an entry fall back
// to evaluation-scoped identity, which disables cross-evaluation dedup
// rather than guessing at problem identity.
var extractors = map[policymodels.RuleKind]Extractor{
	policymodels.RuleThresholdBreach: extractThresholdDimensions,
}

// RegisterExtractor installs the extractor for a rule family. Meant for
// new rule families; calling it at runtime after exceptions exist would
// change fingerprints for that family.
func RegisterExtractor(kind policymodels.RuleKind, fn Extractor) {
	extractors[kind] = fn
}

func extractKeyDimensions(rule policymodels.RuleDefinition, evaluation *evalmodels.Evaluation, signals []*signalmodels.Signal) map[string]any {
	if fn, ok := extractors[rule.Kind]; ok {
		return fn(rule, evaluation, signals)
	}
	return map[string]any{"evaluation_id": evaluation.ID.String()}
}

// extractThresholdDimensions reads the rule's configured key dimension
// fields off the first breaching signal. Signals arrive sorted by id, so
// the choice of "first" is deterministic.
func extractThresholdDimensions(rule policymodels.RuleDefinition, evaluation *evalmodels.Evaluation, signals []*signalmodels.Signal) map[string]any {
	dims := make(map[string]any)
	if rule.Threshold == nil || len(rule.Threshold.KeyDimensions) == 0 {
		return map[string]any{"evaluation_id": evaluation.ID.String()}
	}

	byID := make(map[id.SignalID]*signalmodels.Signal, len(signals))
	for _, sig := range signals {
		byID[sig.ID] = sig
	}
	for _, signalID := range evaluation.BreachingSignalIDs() {
		sig, ok := byID[signalID]
		if !ok {
			continue
		}
		for _, field := range rule.Threshold.KeyDimensions {
			if _, taken := dims[field]; taken {
				continue
			}
			if value, present := sig.Payload[field]; present {
				dims[field] = value
			}
		}
	}
	if len(dims) == 0 {
		return map[string]any{"evaluation_id": evaluation.ID.String()}
	}
	return dims
}
