// Package fingerprint provides the kernel's deterministic hashing
// primitives. Every hash is SHA-256 over canonical JSON, rendered as a
// "sha256:"-prefixed hex string. Identical semantic input produces a
// byte-identical hash, forever; nothing here touches a clock, a store, or
// randomness.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"keel/pkg/canonical"
	id "keel/pkg/domain"
)

// NormalizedSignal is the deterministic projection of a signal used for
// hashing: ingestion-time bookkeeping (ingested_at, provenance row numbers)
// is stripped so re-ingesting the same fact hashes identically.
type NormalizedSignal struct {
	ID          id.SignalID    `json:"id"`
	SignalType  string         `json:"signal_type"`
	Payload     map[string]any `json:"payload"`
	Source      string         `json:"source"`
	Reliability float64        `json:"reliability"`
	ObservedAt  time.Time      `json:"observed_at"`
}

// SortSignals orders normalized signals by id, lexicographically. Callers
// discard their own ordering; this is the one order the kernel recognizes.
func SortSignals(signals []NormalizedSignal) []NormalizedSignal {
	sorted := make([]NormalizedSignal, len(signals))
	copy(sorted, signals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	return sorted
}

// EvaluationInputHash identifies one (policy version, signal set) evaluation
// input. The signal set is sorted internally, so the hash is independent of
// caller-supplied order.
func EvaluationInputHash(policyVersionID id.PolicyVersionID, signals []NormalizedSignal) (string, error) {
	doc := map[string]any{
		"policy_version_id": policyVersionID.String(),
		"signals":           SortSignals(signals),
	}
	return hash(doc)
}

// ExceptionFingerprint identifies the sameness of an underlying problem:
// same policy, same exception type, same key dimensions means the same
// open exception.
func ExceptionFingerprint(policyID id.PolicyID, exceptionType string, keyDimensions map[string]any) (string, error) {
	doc := map[string]any{
		"policy_id":      policyID.String(),
		"exception_type": exceptionType,
		"key_dimensions": keyDimensions,
	}
	return hash(doc)
}

// ContentHash hashes an arbitrary document canonically. Used for evidence
// packs and for signal ingest dedup.
func ContentHash(document any) (string, error) {
	return hash(document)
}

func hash(v any) (string, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
