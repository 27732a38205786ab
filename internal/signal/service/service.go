// Package service implements the ingestion boundary. Producers hand the
// kernel immutable signal-shaped records; the kernel is agnostic to whether
// they came from a person, a file import, or an approved agent proposal.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keel/internal/audit"
	"keel/internal/signal/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

type SignalStore interface {
	CreateIfAbsent(ctx context.Context, sig *models.Signal) (*models.Signal, bool, error)
	FindByID(ctx context.Context, signalID id.SignalID) (*models.Signal, error)
	ListByIDs(ctx context.Context, ids []id.SignalID) ([]*models.Signal, error)
	ListByPack(ctx context.Context, pack id.Pack, from, to time.Time) ([]*models.Signal, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// IngestInput is one signal-shaped record at the ingestion boundary.
type IngestInput struct {
	Pack            string
	SignalType      string
	Payload         map[string]any
	Source          string
	Reliability     float64
	ObservedAt      time.Time
	Provenance      models.Provenance
	IdempotencyHash string
}

// Service validates and persists signals.
type Service struct {
	signals  SignalStore
	packs    id.PackRegistry
	recorder AuditRecorder
	tx       tx.Runner
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTxRunner wires the transactional boundary; signal insert and audit
// append commit or roll back together.
func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func New(signals SignalStore, packs id.PackRegistry, recorder AuditRecorder, opts ...Option) *Service {
	s := &Service{
		signals:  signals,
		packs:    packs,
		recorder: recorder,
		tx:       tx.NewNoopRunner(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest creates a signal, deduplicating on content hash. The returned bool
// reports whether a new signal was created; a duplicate returns the
// existing one unchanged.
func (s *Service) Ingest(ctx context.Context, input IngestInput) (*models.Signal, bool, error) {
	pack, err := id.ParsePack(input.Pack, s.packs)
	if err != nil {
		return nil, false, err
	}

	sig, err := models.NewSignal(
		id.SignalID(uuid.New()),
		pack,
		input.SignalType,
		input.Payload,
		input.Source,
		input.Reliability,
		input.ObservedAt,
		requestcontext.Now(ctx),
		input.Provenance,
		input.IdempotencyHash,
	)
	if err != nil {
		return nil, false, err
	}

	var (
		stored  *models.Signal
		created bool
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		stored, created, err = s.signals.CreateIfAbsent(txCtx, sig)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to ingest signal")
		}
		if !created {
			return nil
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindSignalIngested,
			EntityKind: "signal",
			EntityID:   stored.ID.String(),
			Namespace:  id.NamespaceProduction,
			Detail: map[string]any{
				"pack":         stored.Pack.String(),
				"signal_type":  stored.SignalType,
				"source":       stored.Source,
				"content_hash": stored.ContentHash,
			},
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("duplicate signal ingest suppressed",
			"content_hash", stored.ContentHash,
			"signal_type", stored.SignalType)
	}
	return stored, created, nil
}

// Get returns one signal.
func (s *Service) Get(ctx context.Context, signalID id.SignalID) (*models.Signal, error) {
	sig, err := s.signals.FindByID(ctx, signalID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "signal not found")
	}
	return sig, nil
}

// ListByPack returns a pack's signals observed within [from, to).
func (s *Service) ListByPack(ctx context.Context, pack string, from, to time.Time) ([]*models.Signal, error) {
	parsed, err := id.ParsePack(pack, s.packs)
	if err != nil {
		return nil, err
	}
	return s.signals.ListByPack(ctx, parsed, from, to)
}
