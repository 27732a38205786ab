// Package service implements the replay harness: it drives the live
// evaluator and exception engine over historical signals inside an
// isolated namespace, then diffs and scores what came out. There is no
// replay-specific interpreter; any divergence from production is a
// defect in the kernel, never an accepted variance.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	evalmodels "keel/internal/evaluation/models"
	excmodels "keel/internal/exception/models"
	policymodels "keel/internal/policy/models"
	replaymetrics "keel/internal/replay/metrics"
	"keel/internal/replay/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/requestcontext"
)

const defaultParallelism = 8

// Evaluator is the live evaluator; the harness never substitutes its own.
type Evaluator interface {
	Evaluate(ctx context.Context, policyVersion *policymodels.PolicyVersion, signals []*signalmodels.Signal, namespace id.Namespace) (*evalmodels.Evaluation, error)
}

// ExceptionGenerator is the live exception engine.
type ExceptionGenerator interface {
	Generate(ctx context.Context, evaluation *evalmodels.Evaluation, policyVersion *policymodels.PolicyVersion, signals []*signalmodels.Signal) (*excmodels.Exception, error)
}

// SignalLister loads the historical signals of a pack over a window.
type SignalLister interface {
	ListByPack(ctx context.Context, pack id.Pack, from, to time.Time) ([]*signalmodels.Signal, error)
}

// PolicyResolver resolves the policy versions in force at a point in time.
type PolicyResolver interface {
	ActivePolicies(ctx context.Context, pack string, asOf time.Time) ([]*policymodels.PolicyVersion, error)
}

// Store caches replay results behind an interface so the host chooses
// the backing storage.
type Store interface {
	Get(ctx context.Context, namespace id.Namespace) (*models.Result, error)
	Put(ctx context.Context, result *models.Result) error
	Delete(ctx context.Context, namespace id.Namespace) error
	List(ctx context.Context) ([]id.Namespace, error)
}

type Harness struct {
	evaluator   Evaluator
	exceptions  ExceptionGenerator
	signals     SignalLister
	policies    PolicyResolver
	results     Store
	parallelism int
	metrics     *replaymetrics.Metrics
	logger      *slog.Logger
}

type Option func(*Harness)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

func WithMetrics(m *replaymetrics.Metrics) Option {
	return func(h *Harness) {
		h.metrics = m
	}
}

// WithParallelism bounds concurrent evaluation steps.
func WithParallelism(n int) Option {
	return func(h *Harness) {
		if n > 0 {
			h.parallelism = n
		}
	}
}

func NewHarness(evaluator Evaluator, exceptions ExceptionGenerator, signals SignalLister, policies PolicyResolver, results Store, opts ...Option) *Harness {
	h := &Harness{
		evaluator:   evaluator,
		exceptions:  exceptions,
		signals:     signals,
		policies:    policies,
		results:     results,
		parallelism: defaultParallelism,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunRange loads the pack's signals and active policies for the window
// and replays them.
func (h *Harness) RunRange(ctx context.Context, cfg models.Config) (*models.Result, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	signals, err := h.signals.ListByPack(ctx, cfg.Pack, cfg.From, cfg.To)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load signals for replay")
	}
	policies, err := h.policies.ActivePolicies(ctx, cfg.Pack.String(), cfg.To)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve policies for replay")
	}
	return h.Run(ctx, signals, policies, cfg)
}

// Run replays every (signal, policy) pair through the live evaluator and
// exception engine inside cfg.Namespace. Evaluation steps run in
// parallel; cancellation takes effect between steps, and the counts
// accumulated before an abort remain valid and are returned with the
// aborted flag set.
func (h *Harness) Run(ctx context.Context, signals []*signalmodels.Signal, policies []*policymodels.PolicyVersion, cfg models.Config) (*models.Result, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	policies = filterPolicies(policies, cfg.PolicyFilter)
	started := time.Now()

	tracer := otel.Tracer("keel/internal/replay")
	ctx, span := tracer.Start(ctx, "replay.run")
	span.SetAttributes(
		attribute.String("replay.namespace", cfg.Namespace.String()),
		attribute.String("replay.pack", cfg.Pack.String()),
		attribute.Int("replay.signals", len(signals)),
		attribute.Int("replay.policies", len(policies)),
	)
	defer span.End()

	result := &models.Result{
		Namespace: cfg.Namespace,
		Pack:      cfg.Pack,
		StartedAt: requestcontext.Now(ctx),
	}

	var (
		mu         sync.Mutex
		seenPrints = make(map[string]bool)
	)
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallelism)

	for _, sig := range signals {
		for _, pv := range policies {
			if groupCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				evaluation, err := h.evaluator.Evaluate(groupCtx, pv, []*signalmodels.Signal{sig}, cfg.Namespace)
				if err != nil {
					return err
				}
				exception, err := h.exceptions.Generate(groupCtx, evaluation, pv, []*signalmodels.Signal{sig})
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				switch evaluation.Result {
				case evalmodels.ResultPass:
					result.Counts.Pass++
				case evalmodels.ResultFail:
					result.Counts.Fail++
				case evalmodels.ResultInconclusive:
					result.Counts.Inconclusive++
				}
				result.Evaluations = append(result.Evaluations, models.Evaluation{
					PolicyID:   pv.PolicyID,
					Evaluation: evaluation,
				})
				if exception != nil && !seenPrints[exception.Fingerprint] {
					seenPrints[exception.Fingerprint] = true
					result.Exceptions = append(result.Exceptions, exception)
				}
				return nil
			})
		}
	}

	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		// Cancelled before any step could observe it.
		runErr = ctx.Err()
	}
	result.CompletedAt = requestcontext.Now(ctx)
	sortResult(result)

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		// Aborted mid-run: everything counted so far really happened.
		result.Aborted = true
		h.logger.Warn("replay aborted",
			"namespace", cfg.Namespace.String(),
			"completed_steps", result.Counts.Total())
	default:
		return nil, runErr
	}

	if err := h.results.Put(ctx, result); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to cache replay result")
	}
	if h.metrics != nil {
		h.metrics.IncrementRun(result.Aborted)
		h.metrics.ObserveDuration(time.Since(started).Seconds())
	}
	h.logger.Info("replay completed",
		"namespace", cfg.Namespace.String(),
		"pass", result.Counts.Pass,
		"fail", result.Counts.Fail,
		"inconclusive", result.Counts.Inconclusive,
		"exceptions", len(result.Exceptions),
		"aborted", result.Aborted)
	return result, nil
}

// Result returns a cached replay result.
func (h *Harness) Result(ctx context.Context, namespace id.Namespace) (*models.Result, error) {
	result, err := h.results.Get(ctx, namespace)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no replay result for namespace")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "replay store failure")
	}
	return result, nil
}

// CompareRuns loads two cached runs and diffs them. The diff itself is
// the pure Compare function so tests can drive it without a store.
func (h *Harness) CompareRuns(ctx context.Context, baseline, comparison id.Namespace) (*models.ComparisonResult, error) {
	tracer := otel.Tracer("keel/internal/replay")
	ctx, span := tracer.Start(ctx, "replay.compare")
	span.SetAttributes(
		attribute.String("replay.baseline", baseline.String()),
		attribute.String("replay.comparison", comparison.String()),
	)
	defer span.End()

	base, err := h.Result(ctx, baseline)
	if err != nil {
		return nil, err
	}
	other, err := h.Result(ctx, comparison)
	if err != nil {
		return nil, err
	}
	return Compare(base, other), nil
}

// Score computes metrics and budget checks for a cached replay run.
func (h *Harness) Score(ctx context.Context, namespace id.Namespace, budgets []models.Budget) (*models.Metrics, error) {
	result, err := h.Result(ctx, namespace)
	if err != nil {
		return nil, err
	}
	metrics := Calculate(result, budgets)
	if h.metrics != nil {
		if breaches := len(metrics.Breaches()); breaches > 0 {
			h.metrics.IncrementBudgetBreaches(breaches)
		}
	}
	return metrics, nil
}

func validateConfig(cfg models.Config) error {
	if cfg.Namespace == "" || cfg.Namespace.IsProduction() {
		return dErrors.New(dErrors.CodeValidation, "replay requires a non-production namespace")
	}
	if cfg.Pack == "" {
		return dErrors.New(dErrors.CodeValidation, "replay pack is required")
	}
	return nil
}

func filterPolicies(policies []*policymodels.PolicyVersion, filter []id.PolicyID) []*policymodels.PolicyVersion {
	if len(filter) == 0 {
		return policies
	}
	allowed := make(map[id.PolicyID]bool, len(filter))
	for _, policyID := range filter {
		allowed[policyID] = true
	}
	var out []*policymodels.PolicyVersion
	for _, pv := range policies {
		if allowed[pv.PolicyID] {
			out = append(out, pv)
		}
	}
	return out
}

// sortResult orders evaluations and exceptions deterministically so two
// identical runs produce identical result documents regardless of
// goroutine scheduling.
func sortResult(result *models.Result) {
	sort.Slice(result.Evaluations, func(i, j int) bool {
		left, right := result.Evaluations[i], result.Evaluations[j]
		if left.PolicyID.String() != right.PolicyID.String() {
			return left.PolicyID.String() < right.PolicyID.String()
		}
		return left.Evaluation.InputHash < right.Evaluation.InputHash
	})
	sort.Slice(result.Exceptions, func(i, j int) bool {
		return result.Exceptions[i].Fingerprint < result.Exceptions[j].Fingerprint
	})
}
