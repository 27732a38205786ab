package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	policymodels "keel/internal/policy/models"
	policyservice "keel/internal/policy/service"
	signalmodels "keel/internal/signal/models"
	signalservice "keel/internal/signal/service"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// Payload decoding happens at approval time. The payload was only
// structurally checked at submission; here it must fully parse into the
// target service's input, and the constructors behind that input apply
// the same validation a direct caller would hit.

type ingestPayload struct {
	Pack            string                  `json:"pack"`
	SignalType      string                  `json:"signal_type"`
	Payload         map[string]any          `json:"payload"`
	Source          string                  `json:"source"`
	Reliability     float64                 `json:"reliability"`
	ObservedAt      time.Time               `json:"observed_at"`
	Provenance      signalmodels.Provenance `json:"provenance"`
	IdempotencyHash string                  `json:"idempotency_hash,omitempty"`
}

type draftPayload struct {
	PolicyID string                      `json:"policy_id"`
	Pack     string                      `json:"pack"`
	Name     string                      `json:"name"`
	Rule     policymodels.RuleDefinition `json:"rule"`
}

type dismissPayload struct {
	ExceptionID string `json:"exception_id"`
	Reason      string `json:"reason"`
}

func decodeIngestPayload(payload map[string]any) (signalservice.IngestInput, error) {
	var p ingestPayload
	if err := reparse(payload, &p); err != nil {
		return signalservice.IngestInput{}, err
	}
	return signalservice.IngestInput{
		Pack:            p.Pack,
		SignalType:      p.SignalType,
		Payload:         p.Payload,
		Source:          p.Source,
		Reliability:     p.Reliability,
		ObservedAt:      p.ObservedAt,
		Provenance:      p.Provenance,
		IdempotencyHash: p.IdempotencyHash,
	}, nil
}

func decodeDraftPayload(payload map[string]any) (policyservice.DraftInput, error) {
	var p draftPayload
	if err := reparse(payload, &p); err != nil {
		return policyservice.DraftInput{}, err
	}
	// An absent policy_id starts a new policy, mirroring DraftInput.
	var policyID id.PolicyID
	if p.PolicyID != "" {
		parsed, err := uuid.Parse(p.PolicyID)
		if err != nil {
			return policyservice.DraftInput{}, dErrors.Wrap(err, dErrors.CodeValidation, "payload policy_id is not a valid uuid")
		}
		policyID = id.PolicyID(parsed)
	}
	return policyservice.DraftInput{
		PolicyID: policyID,
		Pack:     p.Pack,
		Name:     p.Name,
		Rule:     p.Rule,
	}, nil
}

func decodeDismissPayload(payload map[string]any) (id.ExceptionID, string, error) {
	var p dismissPayload
	if err := reparse(payload, &p); err != nil {
		return id.ExceptionID{}, "", err
	}
	exceptionID, err := uuid.Parse(p.ExceptionID)
	if err != nil {
		return id.ExceptionID{}, "", dErrors.Wrap(err, dErrors.CodeValidation, "payload exception_id is not a valid uuid")
	}
	return id.ExceptionID(exceptionID), p.Reason, nil
}

func reparse(payload map[string]any, target any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "proposal payload is not serializable")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "proposal payload does not match its action type")
	}
	return nil
}
