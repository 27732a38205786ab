// Package service assembles evidence packs: one immutable, content-hashed
// document per decision, joining everything an auditor needs to verify
// the decision without touching live tables.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"keel/internal/audit"
	decisionmodels "keel/internal/decision/models"
	evalmodels "keel/internal/evaluation/models"
	evmetrics "keel/internal/evidence/metrics"
	"keel/internal/evidence/models"
	excmodels "keel/internal/exception/models"
	"keel/internal/fingerprint"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

const schemaVersion = 1

type PackStore interface {
	CreateIfAbsent(ctx context.Context, pack *models.EvidencePack) (*models.EvidencePack, bool, error)
	FindByID(ctx context.Context, packID id.EvidencePackID) (*models.EvidencePack, error)
	FindByDecision(ctx context.Context, decisionID id.DecisionID) (*models.EvidencePack, error)
}

type DecisionReader interface {
	FindByID(ctx context.Context, decisionID id.DecisionID) (*decisionmodels.Decision, error)
}

type ExceptionReader interface {
	FindByID(ctx context.Context, exceptionID id.ExceptionID) (*excmodels.Exception, error)
}

type EvaluationReader interface {
	FindByID(ctx context.Context, evalID id.EvaluationID) (*evalmodels.Evaluation, error)
}

type PolicyVersionReader interface {
	FindByID(ctx context.Context, versionID id.PolicyVersionID) (*policymodels.PolicyVersion, error)
}

type SignalReader interface {
	ListByIDs(ctx context.Context, signalIDs []id.SignalID) ([]*signalmodels.Signal, error)
}

type AuditTrail interface {
	Trail(ctx context.Context, entityKind, entityID string) ([]audit.Event, error)
	Record(ctx context.Context, event audit.Event) error
}

type Service struct {
	packs       PackStore
	decisions   DecisionReader
	exceptions  ExceptionReader
	evaluations EvaluationReader
	policies    PolicyVersionReader
	signals     SignalReader
	trail       AuditTrail
	tx          tx.Runner
	metrics     *evmetrics.Metrics
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithMetrics(m *evmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(
	packs PackStore,
	decisions DecisionReader,
	exceptions ExceptionReader,
	evaluations EvaluationReader,
	policies PolicyVersionReader,
	signals SignalReader,
	trail AuditTrail,
	opts ...Option,
) *Service {
	s := &Service{
		packs:       packs,
		decisions:   decisions,
		exceptions:  exceptions,
		evaluations: evaluations,
		policies:    policies,
		signals:     signals,
		trail:       trail,
		tx:          tx.NewNoopRunner(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate builds and persists the evidence pack for a decision. If the
// decision already has a pack it is returned unchanged; nothing in the
// existing document is recomputed.
func (s *Service) Generate(ctx context.Context, decisionID id.DecisionID) (*models.EvidencePack, error) {
	if existing, err := s.packs.FindByDecision(ctx, decisionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check for existing evidence pack")
	}

	document, err := s.assemble(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	contentHash, err := fingerprint.ContentHash(document)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash evidence document")
	}

	pack := &models.EvidencePack{
		ID:          id.EvidencePackID(uuid.New()),
		DecisionID:  decisionID,
		Document:    *document,
		ContentHash: contentHash,
		GeneratedAt: document.Metadata.GeneratedAt,
	}

	var (
		stored  *models.EvidencePack
		created bool
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		var createErr error
		stored, created, createErr = s.packs.CreateIfAbsent(txCtx, pack)
		if createErr != nil {
			return createErr
		}
		if !created {
			return nil
		}
		return s.trail.Record(txCtx, audit.Event{
			Kind:       audit.KindEvidenceGenerated,
			EntityKind: "evidence_pack",
			EntityID:   stored.ID.String(),
			Namespace:  document.Decision.Namespace,
			Detail: map[string]any{
				"decision_id":  decisionID.String(),
				"content_hash": stored.ContentHash,
			},
		})
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementFailure()
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist evidence pack")
	}

	if s.metrics != nil && created {
		s.metrics.IncrementGenerated()
	}
	s.logger.Info("evidence pack generated",
		"pack_id", stored.ID.String(),
		"decision_id", decisionID.String(),
		"content_hash", stored.ContentHash)
	return stored, nil
}

// Get returns one evidence pack.
func (s *Service) Get(ctx context.Context, packID id.EvidencePackID) (*models.EvidencePack, error) {
	pack, err := s.packs.FindByID(ctx, packID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "evidence pack not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "evidence store failure")
	}
	return pack, nil
}

func (s *Service) assemble(ctx context.Context, decisionID id.DecisionID) (*models.Document, error) {
	decision, err := s.decisions.FindByID(ctx, decisionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "decision not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load decision")
	}
	exception, err := s.exceptions.FindByID(ctx, decision.ExceptionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load exception")
	}
	evaluation, err := s.evaluations.FindByID(ctx, exception.EvaluationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load evaluation")
	}
	policyVersion, err := s.policies.FindByID(ctx, evaluation.PolicyVersionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load policy version")
	}
	signals, err := s.signals.ListByIDs(ctx, evaluation.SignalIDs)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load signals")
	}
	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].ObservedAt.Equal(signals[j].ObservedAt) {
			return signals[i].ObservedAt.Before(signals[j].ObservedAt)
		}
		return signals[i].ID.String() < signals[j].ID.String()
	})

	trail, err := s.collectTrail(ctx, evaluation.ID, exception.ID, decision.ID)
	if err != nil {
		return nil, err
	}

	return &models.Document{
		Decision:   decision,
		Exception:  exception,
		Evaluation: evaluation,
		Policy: models.PolicyIdentity{
			PolicyID:        policyVersion.PolicyID,
			PolicyVersionID: policyVersion.ID,
			Name:            policyVersion.Name,
			VersionNumber:   policyVersion.VersionNumber,
			Pack:            policyVersion.Pack,
			Rule:            policyVersion.Rule,
		},
		Signals:    signals,
		AuditTrail: trail,
		Metadata: models.Metadata{
			Generator:     "keel",
			SchemaVersion: schemaVersion,
			GeneratedAt:   requestcontext.Now(ctx),
		},
	}, nil
}

// collectTrail merges the audit trails of the evaluation, exception, and
// decision into one occurrence-ordered chain.
func (s *Service) collectTrail(ctx context.Context, evalID id.EvaluationID, exceptionID id.ExceptionID, decisionID id.DecisionID) ([]audit.Event, error) {
	var chain []audit.Event
	for _, entity := range []struct {
		kind string
		id   string
	}{
		{"evaluation", evalID.String()},
		{"exception", exceptionID.String()},
		{"decision", decisionID.String()},
	} {
		events, err := s.trail.Trail(ctx, entity.kind, entity.id)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit trail")
		}
		chain = append(chain, events...)
	}
	sort.Slice(chain, func(i, j int) bool {
		if !chain[i].OccurredAt.Equal(chain[j].OccurredAt) {
			return chain[i].OccurredAt.Before(chain[j].OccurredAt)
		}
		return chain[i].ID.String() < chain[j].ID.String()
	})
	return chain, nil
}
