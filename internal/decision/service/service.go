// Package service records decisions against open exceptions. Recording
// is the only write: a decision, once committed, has no update path
// anywhere in the system.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"keel/internal/audit"
	decmetrics "keel/internal/decision/metrics"
	"keel/internal/decision/models"
	excmodels "keel/internal/exception/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

type DecisionStore interface {
	Create(ctx context.Context, decision *models.Decision) error
	FindByID(ctx context.Context, decisionID id.DecisionID) (*models.Decision, error)
	FindByException(ctx context.Context, exceptionID id.ExceptionID) (*models.Decision, error)
}

// ExceptionStore is the slice of the exception store the recorder needs
// to resolve an exception atomically with the decision insert.
type ExceptionStore interface {
	Execute(ctx context.Context, exceptionID id.ExceptionID, validate func(*excmodels.Exception) error, mutate func(*excmodels.Exception)) (*excmodels.Exception, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type Service struct {
	decisions  DecisionStore
	exceptions ExceptionStore
	recorder   AuditRecorder
	tx         tx.Runner
	metrics    *decmetrics.Metrics
	logger     *slog.Logger
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

func WithMetrics(m *decmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(decisions DecisionStore, exceptions ExceptionStore, recorder AuditRecorder, opts ...Option) *Service {
	s := &Service{
		decisions:  decisions,
		exceptions: exceptions,
		recorder:   recorder,
		tx:         tx.NewNoopRunner(),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordInput carries everything the decider supplies.
type RecordInput struct {
	ExceptionID    id.ExceptionID
	ChosenOptionID string
	Rationale      string
	DecidedBy      string
	Assumptions    []string
	IsHardOverride bool
	ApprovedBy     string
	ApprovalNotes  string
}

// Record validates and persists one decision, resolving its exception in
// the same transaction. Validation order is fixed: the exception must
// exist and be open, the chosen option must be one of its options, the
// rationale must survive trimming, and a hard override must carry an
// approver identity. Whether the approver had the authority is the
// caller's concern; only presence is enforced here.
func (s *Service) Record(ctx context.Context, input RecordInput) (*models.Decision, error) {
	decision, err := models.New(
		id.DecisionID(uuid.New()),
		input.ExceptionID,
		input.ChosenOptionID,
		input.Rationale,
		input.DecidedBy,
		input.Assumptions,
		input.IsHardOverride,
		input.ApprovedBy,
		input.ApprovalNotes,
		id.NamespaceProduction,
		requestcontext.Now(ctx),
	)
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		resolved, err := s.exceptions.Execute(txCtx, input.ExceptionID,
			func(exception *excmodels.Exception) error {
				if err := exception.CanResolve(); err != nil {
					return err
				}
				if !exception.HasOption(input.ChosenOptionID) {
					return dErrors.Newf(dErrors.CodeValidation, "option %q is not one of the exception's options", input.ChosenOptionID)
				}
				if strings.TrimSpace(input.Rationale) == "" {
					return dErrors.New(dErrors.CodeValidation, "rationale is required")
				}
				if input.IsHardOverride && strings.TrimSpace(input.ApprovedBy) == "" {
					return dErrors.New(dErrors.CodeValidation, "hard override requires an approver")
				}
				return nil
			},
			func(exception *excmodels.Exception) {
				exception.ApplyResolution(decision.DecidedAt)
			},
		)
		if err != nil {
			return wrapDecisionErr(err)
		}
		decision.Namespace = resolved.Namespace

		if err := s.decisions.Create(txCtx, decision); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeConflict, "exception already has a decision")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist decision")
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindDecisionRecorded,
			EntityKind: "decision",
			EntityID:   decision.ID.String(),
			Namespace:  resolved.Namespace,
			Detail: map[string]any{
				"exception_id":     input.ExceptionID.String(),
				"chosen_option_id": input.ChosenOptionID,
				"decided_by":       input.DecidedBy,
				"is_hard_override": input.IsHardOverride,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementRecorded(decision.IsHardOverride)
	}
	s.logger.Info("decision recorded",
		"decision_id", decision.ID.String(),
		"exception_id", input.ExceptionID.String(),
		"chosen_option_id", input.ChosenOptionID,
		"is_hard_override", input.IsHardOverride)
	return decision, nil
}

// Get returns one decision.
func (s *Service) Get(ctx context.Context, decisionID id.DecisionID) (*models.Decision, error) {
	decision, err := s.decisions.FindByID(ctx, decisionID)
	if err != nil {
		return nil, wrapDecisionErr(err)
	}
	return decision, nil
}

// GetByException returns the decision that resolved an exception.
func (s *Service) GetByException(ctx context.Context, exceptionID id.ExceptionID) (*models.Decision, error) {
	decision, err := s.decisions.FindByException(ctx, exceptionID)
	if err != nil {
		return nil, wrapDecisionErr(err)
	}
	return decision, nil
}

func wrapDecisionErr(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "not found")
	case dErrors.HasCode(err, dErrors.CodeValidation),
		dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "decision store failure")
	}
}
