// Package service implements the exception engine: it turns failed
// evaluations into open exceptions, deduplicated by fingerprint so each
// underlying problem has at most one open exception at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"keel/internal/audit"
	evalmodels "keel/internal/evaluation/models"
	excmetrics "keel/internal/exception/metrics"
	"keel/internal/exception/models"
	"keel/internal/fingerprint"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

type ExceptionStore interface {
	CreateIfAbsent(ctx context.Context, exception *models.Exception) (*models.Exception, bool, error)
	FindByID(ctx context.Context, exceptionID id.ExceptionID) (*models.Exception, error)
	ListOpen(ctx context.Context, namespace id.Namespace) ([]*models.Exception, error)
	Execute(ctx context.Context, exceptionID id.ExceptionID, validate func(*models.Exception) error, mutate func(*models.Exception)) (*models.Exception, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type Service struct {
	exceptions ExceptionStore
	recorder   AuditRecorder
	tx         tx.Runner
	metrics    *excmetrics.Metrics
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

func WithMetrics(m *excmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(exceptions ExceptionStore, recorder AuditRecorder, opts ...Option) *Service {
	s := &Service{
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

// Generate raises an exception from a failed evaluation, or returns nil
// when none is needed. While an exception for the same underlying problem
// stays open, further raises are suppressed and also return nil; after
// resolution or dismissal the fingerprint may open a fresh one.
func (s *Service) Generate(ctx context.Context, evaluation *evalmodels.Evaluation, policyVersion *policymodels.PolicyVersion, signals []*signalmodels.Signal) (*models.Exception, error) {
	if evaluation == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "evaluation is required")
	}
	if policyVersion == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "policy version is required")
	}

	if evaluation.Result != evalmodels.ResultFail {
		s.logger.Debug("no exception needed",
			"evaluation_id", evaluation.ID.String(),
			"result", string(evaluation.Result))
		return nil, nil
	}

	severity := evaluation.Details.Severity
	if !severity.IsValid() {
		severity = id.SeverityMedium
	}
	exceptionType := string(policyVersion.Rule.Kind)
	keyDimensions := extractKeyDimensions(policyVersion.Rule, evaluation, signals)

	fp, err := fingerprint.ExceptionFingerprint(policyVersion.PolicyID, exceptionType, keyDimensions)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to fingerprint exception")
	}

	options := buildOptions(exceptionType, string(severity))
	exception, err := models.NewOpen(
		id.ExceptionID(uuid.New()),
		evaluation.ID,
		policyVersion.PolicyID,
		policyVersion.Pack,
		exceptionType,
		severity,
		fp,
		keyDimensions,
		buildTitle(policyVersion.Name, keyDimensions),
		buildContext(evaluation, policyVersion),
		options,
		evaluation.Namespace,
		requestcontext.Now(ctx),
	)
	if err != nil {
		return nil, err
	}

	var (
		stored  *models.Exception
		created bool
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		stored, created, err = s.exceptions.CreateIfAbsent(txCtx, exception)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeConflict, "failed to persist exception")
		}
		if !created {
			return nil
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindExceptionRaised,
			EntityKind: "exception",
			EntityID:   stored.ID.String(),
			Namespace:  stored.Namespace,
			Detail: map[string]any{
				"evaluation_id": evaluation.ID.String(),
				"policy_id":     policyVersion.PolicyID.String(),
				"fingerprint":   stored.Fingerprint,
				"severity":      string(stored.Severity),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if !created {
		// Suppressed: the problem already has an open exception.
		if s.metrics != nil {
			s.metrics.IncrementSuppressed()
		}
		s.logger.Info("exception suppressed by open fingerprint",
			"fingerprint", stored.Fingerprint,
			"open_exception_id", stored.ID.String(),
			"evaluation_id", evaluation.ID.String())
		return nil, nil
	}
	if s.metrics != nil {
		s.metrics.IncrementRaised(string(stored.Severity), stored.Namespace.IsProduction())
	}
	s.logger.Info("exception raised",
		"exception_id", stored.ID.String(),
		"policy_id", policyVersion.PolicyID.String(),
		"severity", string(stored.Severity),
		"namespace", stored.Namespace.String())
	return stored, nil
}

// Dismiss closes an open exception without a decision, releasing its
// fingerprint for future raises.
func (s *Service) Dismiss(ctx context.Context, exceptionID id.ExceptionID, reason string) (*models.Exception, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "dismissal reason is required")
	}

	var dismissed *models.Exception
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		at := requestcontext.Now(txCtx)
		var err error
		dismissed, err = s.exceptions.Execute(txCtx, exceptionID,
			func(exception *models.Exception) error { return exception.CanDismiss() },
			func(exception *models.Exception) { exception.ApplyDismissal(at) },
		)
		if err != nil {
			return wrapExceptionErr(err)
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindExceptionDismissed,
			EntityKind: "exception",
			EntityID:   dismissed.ID.String(),
			Namespace:  dismissed.Namespace,
			Detail:     map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementClosed(string(models.StatusDismissed))
	}
	return dismissed, nil
}

// Get returns one exception.
func (s *Service) Get(ctx context.Context, exceptionID id.ExceptionID) (*models.Exception, error) {
	exception, err := s.exceptions.FindByID(ctx, exceptionID)
	if err != nil {
		return nil, wrapExceptionErr(err)
	}
	return exception, nil
}

// ListOpen returns the open exceptions of a namespace, oldest first.
func (s *Service) ListOpen(ctx context.Context, namespace id.Namespace) ([]*models.Exception, error) {
	if namespace == "" {
		namespace = id.NamespaceProduction
	}
	open, err := s.exceptions.ListOpen(ctx, namespace)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "exception store failure")
	}
	return open, nil
}

func buildTitle(policyName string, keyDimensions map[string]any) string {
	keys := make([]string, 0, len(keyDimensions))
	for key := range keyDimensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, keyDimensions[key]))
	}
	if len(parts) == 0 {
		return policyName
	}
	return fmt.Sprintf("%s (%s)", policyName, strings.Join(parts, ", "))
}

func buildContext(evaluation *evalmodels.Evaluation, policyVersion *policymodels.PolicyVersion) map[string]any {
	breaching := evaluation.BreachingSignalIDs()
	signalIDs := make([]string, len(breaching))
	for i, signalID := range breaching {
		signalIDs[i] = signalID.String()
	}
	return map[string]any{
		"evaluation_id":        evaluation.ID.String(),
		"input_hash":           evaluation.InputHash,
		"policy_version_id":    policyVersion.ID.String(),
		"policy_name":          policyVersion.Name,
		"breaching_signal_ids": signalIDs,
	}
}

func wrapExceptionErr(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "exception not found")
	case dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "exception store failure")
	}
}
