// Package service implements the deterministic evaluator. One policy
// version applied to one signal set yields exactly one evaluation, no
// matter how often or in what order the inputs arrive.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"keel/internal/audit"
	evalmetrics "keel/internal/evaluation/metrics"
	"keel/internal/evaluation/models"
	"keel/internal/fingerprint"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

type EvaluationStore interface {
	CreateIfAbsent(ctx context.Context, eval *models.Evaluation) (*models.Evaluation, bool, error)
	FindByID(ctx context.Context, evalID id.EvaluationID) (*models.Evaluation, error)
	FindByInputHash(ctx context.Context, namespace id.Namespace, inputHash string) (*models.Evaluation, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Service is the evaluator. The replay harness uses this same service with
// a replay namespace; there is no second interpreter to drift from this
// one.
type Service struct {
	evaluations EvaluationStore
	recorder    AuditRecorder
	tx          tx.Runner
	metrics     *evalmetrics.Metrics
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

func WithMetrics(m *evalmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(evaluations EvaluationStore, recorder AuditRecorder, opts ...Option) *Service {
	s := &Service{
		evaluations: evaluations,
		recorder:    recorder,
		tx:          tx.NewNoopRunner(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate applies one policy version to a signal set within a namespace.
//
// Caller-supplied signal order is discarded: signals are normalized and
// sorted by id before hashing, so the input hash is order-independent. If
// an evaluation with the same (namespace, input_hash) already exists it is
// returned unchanged, with no recomputation and no duplicate audit record.
func (s *Service) Evaluate(ctx context.Context, policyVersion *policymodels.PolicyVersion, signals []*signalmodels.Signal, namespace id.Namespace) (*models.Evaluation, error) {
	if policyVersion == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "policy version is required")
	}
	if len(signals) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one signal is required")
	}
	if namespace == "" {
		namespace = id.NamespaceProduction
	}
	start := time.Now()

	normalized := make([]fingerprint.NormalizedSignal, len(signals))
	for i, sig := range signals {
		normalized[i] = sig.Normalized()
	}
	inputHash, err := fingerprint.EvaluationInputHash(policyVersion.ID, normalized)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash evaluation input")
	}

	if existing, err := s.evaluations.FindByInputHash(ctx, namespace, inputHash); err == nil {
		if s.metrics != nil {
			s.metrics.IncrementDedupHit()
		}
		s.logger.Debug("evaluation answered from existing record",
			"input_hash", inputHash,
			"namespace", namespace.String())
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check evaluation idempotency")
	}

	sorted := sortSignals(signals)
	result, details := interpret(policyVersion.Rule, sorted)

	signalIDs := make([]id.SignalID, len(sorted))
	for i, sig := range sorted {
		signalIDs[i] = sig.ID
	}
	eval := &models.Evaluation{
		ID:              id.EvaluationID(uuid.New()),
		PolicyVersionID: policyVersion.ID,
		SignalIDs:       signalIDs,
		Result:          result,
		Details:         details,
		InputHash:       inputHash,
		Namespace:       namespace,
		EvaluatedAt:     requestcontext.Now(ctx),
	}

	var (
		stored  *models.Evaluation
		created bool
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		stored, created, err = s.evaluations.CreateIfAbsent(txCtx, eval)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeConflict, "failed to persist evaluation")
		}
		if !created {
			// Lost the race to an identical evaluation; the winner already
			// carries the audit record.
			return nil
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindEvaluationRecorded,
			EntityKind: "evaluation",
			EntityID:   stored.ID.String(),
			Namespace:  namespace,
			Detail: map[string]any{
				"policy_version_id": policyVersion.ID.String(),
				"result":            string(stored.Result),
				"input_hash":        stored.InputHash,
				"signal_count":      len(stored.SignalIDs),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if created {
			s.metrics.IncrementEvaluation(string(stored.Result), namespace.IsProduction())
		} else {
			s.metrics.IncrementDedupHit()
		}
		s.metrics.Duration.Observe(time.Since(start).Seconds())
	}
	return stored, nil
}

// Get returns one evaluation.
func (s *Service) Get(ctx context.Context, evalID id.EvaluationID) (*models.Evaluation, error) {
	eval, err := s.evaluations.FindByID(ctx, evalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "evaluation not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "evaluation store failure")
	}
	return eval, nil
}

// sortSignals orders full signals the same way fingerprint.SortSignals
// orders normalized ones, so persisted signal ids line up with the hash.
func sortSignals(signals []*signalmodels.Signal) []*signalmodels.Signal {
	sorted := make([]*signalmodels.Signal, len(signals))
	copy(sorted, signals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.String() < sorted[j].ID.String() })
	return sorted
}
