// Package service implements the proposal queue: the only path by which
// agent-originated suggestions become real mutations. A proposal sits
// inert until a human approves it, and approval executes the exact same
// service entry points a direct caller would use. There is no bypass.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"keel/internal/audit"
	excmodels "keel/internal/exception/models"
	policymodels "keel/internal/policy/models"
	policyservice "keel/internal/policy/service"
	"keel/internal/proposal/models"
	signalmodels "keel/internal/signal/models"
	signalservice "keel/internal/signal/service"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/platform/sentinel"
	"keel/pkg/platform/tx"
	"keel/pkg/requestcontext"
)

type ProposalStore interface {
	Create(ctx context.Context, proposal *models.Proposal) error
	FindByID(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error)
	ListPending(ctx context.Context) ([]*models.Proposal, error)
	Execute(ctx context.Context, proposalID id.ProposalID, validate func(*models.Proposal) error, mutate func(*models.Proposal)) (*models.Proposal, error)
}

// SignalIngester, PolicyDrafter, and ExceptionDismisser are the mutation
// entry points an approval dispatches through. They are satisfied by the
// real services; proposals get no private write path of their own.
type SignalIngester interface {
	Ingest(ctx context.Context, input signalservice.IngestInput) (*signalmodels.Signal, bool, error)
}

type PolicyDrafter interface {
	CreateDraft(ctx context.Context, input policyservice.DraftInput) (*policymodels.PolicyVersion, error)
}

type ExceptionDismisser interface {
	Dismiss(ctx context.Context, exceptionID id.ExceptionID, reason string) (*excmodels.Exception, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

type Service struct {
	proposals  ProposalStore
	signals    SignalIngester
	policies   PolicyDrafter
	exceptions ExceptionDismisser
	recorder   AuditRecorder
	tx         tx.Runner
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

func New(proposals ProposalStore, signals SignalIngester, policies PolicyDrafter, exceptions ExceptionDismisser, recorder AuditRecorder, opts ...Option) *Service {
	s := &Service{
		proposals:  proposals,
		signals:    signals,
		policies:   policies,
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

type SubmitInput struct {
	ActionType models.ActionType
	Payload    map[string]any
	ProposedBy string
	Confidence *float64
}

// Submit admits a proposal into the queue in pending status. Structural
// validation happens here, including the ranking-key scan over the
// payload; a proposal that fails it never exists.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*models.Proposal, error) {
	proposal, err := models.NewPending(
		id.ProposalID(uuid.New()),
		input.ActionType,
		input.Payload,
		input.ProposedBy,
		input.Confidence,
		requestcontext.Now(ctx),
	)
	if err != nil {
		return nil, err
	}
	if err := s.proposals.Create(ctx, proposal); err != nil {
		return nil, wrapProposalErr(err, "failed to create proposal")
	}

	s.logger.Info("proposal submitted",
		"proposal_id", proposal.ID.String(),
		"action_type", string(proposal.ActionType),
		"proposed_by", proposal.ProposedBy)
	return proposal, nil
}

// Approve flips a pending proposal to approved and executes its action.
// The payload is decoded before anything mutates, so a malformed one
// fails cleanly; the status change, the dispatched mutation, and the
// audit event then commit together.
func (s *Service) Approve(ctx context.Context, proposalID id.ProposalID, approvedBy string) (*models.Proposal, error) {
	if approvedBy == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "approved_by is required")
	}

	pending, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, wrapProposalErr(err, "failed to load proposal")
	}
	action, err := s.buildAction(pending)
	if err != nil {
		return nil, err
	}

	var approved *models.Proposal
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		decidedAt := requestcontext.Now(txCtx)
		proposal, err := s.proposals.Execute(txCtx, proposalID,
			func(p *models.Proposal) error { return p.CanDecide() },
			func(p *models.Proposal) { p.ApplyApproval(approvedBy, decidedAt) },
		)
		if err != nil {
			return err
		}

		if err := action(txCtx); err != nil {
			return err
		}

		approved = proposal
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindProposalApproved,
			EntityKind: "proposal",
			EntityID:   proposal.ID.String(),
			Namespace:  id.NamespaceProduction,
			Detail: map[string]any{
				"action_type": string(proposal.ActionType),
				"proposed_by": proposal.ProposedBy,
				"approved_by": approvedBy,
			},
		})
	})
	if err != nil {
		return nil, wrapProposalErr(err, "failed to approve proposal")
	}

	s.logger.Info("proposal approved",
		"proposal_id", approved.ID.String(),
		"action_type", string(approved.ActionType),
		"approved_by", approvedBy)
	return approved, nil
}

// Reject closes a pending proposal without executing anything. A reason
// is required; rejections feed back into how agents propose.
func (s *Service) Reject(ctx context.Context, proposalID id.ProposalID, rejectedBy, reason string) (*models.Proposal, error) {
	if rejectedBy == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "rejected_by is required")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "rejection reason is required")
	}

	var rejected *models.Proposal
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		decidedAt := requestcontext.Now(txCtx)
		proposal, err := s.proposals.Execute(txCtx, proposalID,
			func(p *models.Proposal) error { return p.CanDecide() },
			func(p *models.Proposal) { p.ApplyRejection(rejectedBy, reason, decidedAt) },
		)
		if err != nil {
			return err
		}

		rejected = proposal
		return s.recorder.Record(txCtx, audit.Event{
			Kind:       audit.KindProposalRejected,
			EntityKind: "proposal",
			EntityID:   proposal.ID.String(),
			Namespace:  id.NamespaceProduction,
			Detail: map[string]any{
				"action_type": string(proposal.ActionType),
				"rejected_by": rejectedBy,
				"reason":      reason,
			},
		})
	})
	if err != nil {
		return nil, wrapProposalErr(err, "failed to reject proposal")
	}

	s.logger.Info("proposal rejected",
		"proposal_id", rejected.ID.String(),
		"rejected_by", rejectedBy)
	return rejected, nil
}

func (s *Service) Get(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	proposal, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, wrapProposalErr(err, "failed to load proposal")
	}
	return proposal, nil
}

func (s *Service) ListPending(ctx context.Context) ([]*models.Proposal, error) {
	proposals, err := s.proposals.ListPending(ctx)
	if err != nil {
		return nil, wrapProposalErr(err, "failed to list pending proposals")
	}
	return proposals, nil
}

// buildAction decodes the payload into the target service's input and
// returns the mutation to run at commit time. Decoding is pure; nothing
// here touches state.
func (s *Service) buildAction(proposal *models.Proposal) (func(ctx context.Context) error, error) {
	switch proposal.ActionType {
	case models.ActionIngestSignal:
		input, err := decodeIngestPayload(proposal.Payload)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, _, err := s.signals.Ingest(ctx, input)
			return err
		}, nil
	case models.ActionCreatePolicyDraft:
		input, err := decodeDraftPayload(proposal.Payload)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := s.policies.CreateDraft(ctx, input)
			return err
		}, nil
	case models.ActionDismissException:
		exceptionID, reason, err := decodeDismissPayload(proposal.Payload)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := s.exceptions.Dismiss(ctx, exceptionID, reason)
			return err
		}, nil
	default:
		return nil, dErrors.Newf(dErrors.CodeInternal, "no dispatcher for action type %q", proposal.ActionType)
	}
}

func wrapProposalErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "proposal not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "proposal already exists")
	case dErrors.HasCode(err, dErrors.CodeValidation),
		dErrors.HasCode(err, dErrors.CodeNotFound),
		dErrors.HasCode(err, dErrors.CodeConflict),
		dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
