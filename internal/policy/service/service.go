// Package service manages the policy version lifecycle and resolves which
// version governs a pack at a point in time.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keel/internal/audit"
	"keel/internal/policy/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

type VersionStore interface {
	Create(ctx context.Context, version *models.PolicyVersion) error
	FindByID(ctx context.Context, versionID id.PolicyVersionID) (*models.PolicyVersion, error)
	ListByPolicy(ctx context.Context, policyID id.PolicyID) ([]*models.PolicyVersion, error)
	ListActiveByPack(ctx context.Context, pack id.Pack) ([]*models.PolicyVersion, error)
	Execute(ctx context.Context, versionID id.PolicyVersionID, validate func(*models.PolicyVersion) error, mutate func(*models.PolicyVersion)) (*models.PolicyVersion, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Service is both the lifecycle manager and the resolver.
type Service struct {
	versions VersionStore
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

func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func New(versions VersionStore, packs id.PackRegistry, recorder AuditRecorder, opts ...Option) *Service {
	s := &Service{
		versions: versions,
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

// DraftInput describes a new policy version. A nil PolicyID starts a new
// policy; otherwise the draft becomes the next version of an existing one.
type DraftInput struct {
	PolicyID id.PolicyID
	Pack     string
	Name     string
	Rule     models.RuleDefinition
}

// CreateDraft validates the rule and persists a draft version numbered one
// past the policy's highest existing version.
func (s *Service) CreateDraft(ctx context.Context, input DraftInput) (*models.PolicyVersion, error) {
	pack, err := id.ParsePack(input.Pack, s.packs)
	if err != nil {
		return nil, err
	}

	policyID := input.PolicyID
	versionNumber := 1
	if !policyID.IsNil() {
		existing, err := s.versions.ListByPolicy(ctx, policyID)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list policy versions")
		}
		for _, v := range existing {
			if v.VersionNumber >= versionNumber {
				versionNumber = v.VersionNumber + 1
			}
		}
	} else {
		policyID = id.PolicyID(uuid.New())
	}

	draft, err := models.NewDraft(
		id.PolicyVersionID(uuid.New()),
		policyID,
		pack,
		input.Name,
		versionNumber,
		input.Rule,
		requestcontext.Now(ctx),
	)
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.versions.Create(txCtx, draft); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeConflict, "policy version number already taken")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create policy version")
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindPolicyVersionCreated,
			EntityKind: "policy_version",
			EntityID:   draft.ID.String(),
			Namespace:  id.NamespaceProduction,
			Detail: map[string]any{
				"policy_id":      draft.PolicyID.String(),
				"version_number": draft.VersionNumber,
				"pack":           draft.Pack.String(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// Activate transitions a draft to active and archives the policy's prior
// active version, as one transactional unit.
func (s *Service) Activate(ctx context.Context, versionID id.PolicyVersionID) (*models.PolicyVersion, error) {
	now := requestcontext.Now(ctx)

	var activated *models.PolicyVersion
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		target, err := s.versions.FindByID(txCtx, versionID)
		if err != nil {
			return wrapVersionErr(err)
		}

		siblings, err := s.versions.ListByPolicy(txCtx, target.PolicyID)
		if err != nil {
			return wrapVersionErr(err)
		}
		for _, sibling := range siblings {
			if sibling.ID == target.ID || sibling.Status != models.StatusActive {
				continue
			}
			archived, err := s.versions.Execute(txCtx, sibling.ID,
				func(v *models.PolicyVersion) error { return v.CanArchive() },
				func(v *models.PolicyVersion) { v.ApplyArchival(now) },
			)
			if err != nil {
				return wrapVersionErr(err)
			}
			if err := s.recorder.Record(txCtx, audit.Event{
				Kind:       audit.KindPolicyArchived,
				EntityKind: "policy_version",
				EntityID:   archived.ID.String(),
				Namespace:  id.NamespaceProduction,
			}); err != nil {
				return err
			}
		}

		activated, err = s.versions.Execute(txCtx, versionID,
			func(v *models.PolicyVersion) error { return v.CanActivate() },
			func(v *models.PolicyVersion) { v.ApplyActivation(now) },
		)
		if err != nil {
			return wrapVersionErr(err)
		}
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindPolicyActivated,
			EntityKind: "policy_version",
			EntityID:   activated.ID.String(),
			Namespace:  id.NamespaceProduction,
			Detail:     map[string]any{"version_number": activated.VersionNumber},
		})
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// ActivePolicies returns the policy versions governing a pack at asOf:
// status active and asOf within [valid_from, valid_to). A zero asOf means
// now.
func (s *Service) ActivePolicies(ctx context.Context, pack string, asOf time.Time) ([]*models.PolicyVersion, error) {
	parsed, err := id.ParsePack(pack, s.packs)
	if err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = requestcontext.Now(ctx)
	}

	candidates, err := s.versions.ListActiveByPack(ctx, parsed)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list active policies")
	}

	out := make([]*models.PolicyVersion, 0, len(candidates))
	for _, v := range candidates {
		if v.ValidAt(asOf) {
			out = append(out, v)
		}
	}
	return out, nil
}

// PolicyVersion returns the single version of a policy valid at asOf.
// Overlapping active versions should not happen; when they do, the highest
// version number wins and a warning is logged.
func (s *Service) PolicyVersion(ctx context.Context, policyID id.PolicyID, asOf time.Time) (*models.PolicyVersion, error) {
	if asOf.IsZero() {
		asOf = requestcontext.Now(ctx)
	}

	versions, err := s.versions.ListByPolicy(ctx, policyID)
	if err != nil {
		return nil, wrapVersionErr(err)
	}

	var match *models.PolicyVersion
	overlap := false
	for _, v := range versions {
		if v.Status != models.StatusActive && v.Status != models.StatusArchived {
			continue
		}
		if !v.ValidAt(asOf) {
			continue
		}
		if match == nil {
			match = v
			continue
		}
		overlap = true
		if v.VersionNumber > match.VersionNumber {
			match = v
		}
	}
	if match == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "no policy version valid at the requested time")
	}
	if overlap {
		s.logger.Warn("overlapping policy versions; highest version number wins",
			"policy_id", policyID.String(),
			"as_of", asOf,
			"chosen_version", match.VersionNumber)
	}
	return match, nil
}

// Version returns one policy version by id.
func (s *Service) Version(ctx context.Context, versionID id.PolicyVersionID) (*models.PolicyVersion, error) {
	version, err := s.versions.FindByID(ctx, versionID)
	if err != nil {
		return nil, wrapVersionErr(err)
	}
	return version, nil
}

func wrapVersionErr(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "policy version not found")
	case dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "policy store failure")
	}
}
