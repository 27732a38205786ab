package models

import (
	"strings"
	"time"

	"keel/internal/fingerprint"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// Provenance records where a signal came from, down to the row of the
// source file. Carried for audit; never part of the content hash.
type Provenance struct {
	SourceFileHash string `json:"source_file_hash,omitempty"`
	RowNumber      int    `json:"row_number,omitempty"`
}

// Signal is a timestamped, provenance-tagged fact. Created once, never
// mutated; the content hash dedupes identical ingests regardless of how
// many times the same file is replayed into the kernel.
type Signal struct {
	ID          id.SignalID    `json:"id"`
	Pack        id.Pack        `json:"pack"`
	SignalType  string         `json:"signal_type"`
	Payload     map[string]any `json:"payload"`
	Source      string         `json:"source"`
	Reliability float64        `json:"reliability"`
	ObservedAt  time.Time      `json:"observed_at"`
	IngestedAt  time.Time      `json:"ingested_at"`
	ContentHash string         `json:"content_hash"`
	Provenance  Provenance     `json:"provenance"`
}

// NewSignal validates and constructs a signal. contentHash may be a
// caller-supplied idempotency hash; when empty it is computed from the
// deterministic fields (pack, type, payload, source, observed_at).
func NewSignal(signalID id.SignalID, pack id.Pack, signalType string, payload map[string]any, source string, reliability float64, observedAt, ingestedAt time.Time, provenance Provenance, contentHash string) (*Signal, error) {
	signalType = strings.TrimSpace(signalType)
	if signalType == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "signal_type is required")
	}
	if strings.TrimSpace(source) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "source is required")
	}
	if observedAt.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "observed_at is required")
	}
	if reliability < 0 || reliability > 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "reliability must be within [0, 1]")
	}

	s := &Signal{
		ID:          signalID,
		Pack:        pack,
		SignalType:  signalType,
		Payload:     payload,
		Source:      source,
		Reliability: reliability,
		ObservedAt:  observedAt.UTC(),
		IngestedAt:  ingestedAt.UTC(),
		Provenance:  provenance,
		ContentHash: contentHash,
	}
	if s.ContentHash == "" {
		hash, err := fingerprint.ContentHash(map[string]any{
			"pack":        pack.String(),
			"signal_type": s.SignalType,
			"payload":     s.Payload,
			"source":      s.Source,
			"observed_at": s.ObservedAt,
		})
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash signal content")
		}
		s.ContentHash = hash
	}
	return s, nil
}

// Normalized projects the signal onto its deterministic fields for hashing.
// Ingestion time and provenance are stripped here.
func (s *Signal) Normalized() fingerprint.NormalizedSignal {
	return fingerprint.NormalizedSignal{
		ID:          s.ID,
		SignalType:  s.SignalType,
		Payload:     s.Payload,
		Source:      s.Source,
		Reliability: s.Reliability,
		ObservedAt:  s.ObservedAt,
	}
}
