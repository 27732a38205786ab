package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	auditstore "keel/internal/audit/store"
	excmodels "keel/internal/exception/models"
	excservice "keel/internal/exception/service"
	excstore "keel/internal/exception/store"
	policyservice "keel/internal/policy/service"
	policystore "keel/internal/policy/store"
	"keel/internal/proposal/models"
	"keel/internal/proposal/service"
	proposalstore "keel/internal/proposal/store"
	signalservice "keel/internal/signal/service"
	signalstore "keel/internal/signal/store"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/testutil"
)

type ProposalSuite struct {
	suite.Suite
	svc        *service.Service
	signals    *signalservice.Service
	policies   *policystore.InMemory
	exceptions *excstore.InMemory
	audits     *auditstore.InMemory
	ctx        context.Context
	now        time.Time
}

func (s *ProposalSuite) SetupTest() {
	s.audits = auditstore.NewInMemory()
	recorder := audit.NewRecorder(s.audits)
	packs := id.NewPackRegistry("trading")

	sigStore := signalstore.NewInMemory()
	s.signals = signalservice.New(sigStore, packs, recorder)
	s.policies = policystore.NewInMemory()
	policySvc := policyservice.New(s.policies, packs, recorder)
	s.exceptions = excstore.NewInMemory()
	excSvc := excservice.New(s.exceptions, recorder)

	s.svc = service.New(proposalstore.NewInMemory(), s.signals, policySvc, excSvc, recorder)
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = testutil.FixedContext(s.now, "risk.officer@example.com")
}

func TestProposalSuite(t *testing.T) {
	suite.Run(t, new(ProposalSuite))
}

func ingestPayload() map[string]any {
	return map[string]any{
		"pack":        "trading",
		"signal_type": "position",
		"payload":     map[string]any{"asset": "BTC", "current_position": 120, "limit": 100},
		"source":      "agent-extractor",
		"reliability": 0.8,
		"observed_at": "2026-03-01T09:00:00Z",
	}
}

func (s *ProposalSuite) submit(actionType models.ActionType, payload map[string]any) *models.Proposal {
	confidence := 0.9
	proposal, err := s.svc.Submit(s.ctx, service.SubmitInput{
		ActionType: actionType,
		Payload:    payload,
		ProposedBy: "agent:signal-extractor",
		Confidence: &confidence,
	})
	s.Require().NoError(err)
	return proposal
}

func (s *ProposalSuite) TestSubmitEntersQueuePending() {
	proposal := s.submit(models.ActionIngestSignal, ingestPayload())

	s.Equal(models.StatusPending, proposal.Status)
	s.Equal(s.now, proposal.CreatedAt)
	s.Nil(proposal.DecidedAt)

	pending, err := s.svc.ListPending(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(proposal.ID, pending[0].ID)

	// A pending proposal mutates nothing.
	signals, err := s.signals.ListByPack(s.ctx, "trading", s.now.Add(-time.Hour), s.now)
	s.Require().NoError(err)
	s.Empty(signals)
}

func (s *ProposalSuite) TestSubmitRejectsRankingKeysInOptions() {
	payload := map[string]any{
		"exception_id": uuid.New().String(),
		"reason":       "stale threshold",
		"options": []any{
			map[string]any{"id": "a", "label": "A", "recommended": true},
		},
	}
	_, err := s.svc.Submit(s.ctx, service.SubmitInput{
		ActionType: models.ActionDismissException,
		Payload:    payload,
		ProposedBy: "agent:triage",
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	pending, err := s.svc.ListPending(s.ctx)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *ProposalSuite) TestSubmitAllowsSeverityMappingDefault() {
	payload := map[string]any{
		"policy_id": uuid.New().String(),
		"pack":      "trading",
		"name":      "position limits",
		"rule": map[string]any{
			"kind": "threshold_breach",
			"threshold": map[string]any{
				"conditions": []any{map[string]any{
					"signal_type": "position", "field": "current_position",
					"op": ">", "compare_field": "limit",
				}},
				"evaluation_logic": "any_met",
				"severity_mapping": map[string]any{"default": "medium"},
			},
		},
	}
	proposal := s.submit(models.ActionCreatePolicyDraft, payload)
	s.Equal(models.StatusPending, proposal.Status)
}

func (s *ProposalSuite) TestSubmitValidation() {
	cases := []struct {
		name  string
		input service.SubmitInput
	}{
		{"unknown action type", service.SubmitInput{
			ActionType: "delete_everything",
			Payload:    map[string]any{"x": 1},
			ProposedBy: "agent:x",
		}},
		{"empty payload", service.SubmitInput{
			ActionType: models.ActionIngestSignal,
			ProposedBy: "agent:x",
		}},
		{"missing proposed_by", service.SubmitInput{
			ActionType: models.ActionIngestSignal,
			Payload:    map[string]any{"x": 1},
		}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.svc.Submit(s.ctx, tc.input)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}

	s.Run("confidence out of range", func() {
		confidence := 1.5
		_, err := s.svc.Submit(s.ctx, service.SubmitInput{
			ActionType: models.ActionIngestSignal,
			Payload:    map[string]any{"x": 1},
			ProposedBy: "agent:x",
			Confidence: &confidence,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ProposalSuite) TestApproveIngestsSignal() {
	proposal := s.submit(models.ActionIngestSignal, ingestPayload())

	approved, err := s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, approved.Status)
	s.Equal("risk.officer@example.com", approved.DecidedBy)
	s.Require().NotNil(approved.DecidedAt)
	s.Equal(s.now, *approved.DecidedAt)

	// Approval executed the same ingest path a direct caller uses.
	signals, err := s.signals.ListByPack(s.ctx, "trading", s.now.Add(-2*time.Hour), s.now)
	s.Require().NoError(err)
	s.Require().Len(signals, 1)
	s.Equal("position", signals[0].SignalType)
	s.Equal("agent-extractor", signals[0].Source)

	events, err := s.audits.ListByEntity(s.ctx, "proposal", proposal.ID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.KindProposalApproved, events[0].Kind)
}

func (s *ProposalSuite) TestApproveCreatesPolicyDraft() {
	policyID := uuid.New()
	payload := map[string]any{
		"policy_id": policyID.String(),
		"pack":      "trading",
		"name":      "position limits",
		"rule": map[string]any{
			"kind": "threshold_breach",
			"threshold": map[string]any{
				"conditions": []any{map[string]any{
					"signal_type": "position", "field": "current_position",
					"op": ">", "compare_field": "limit",
				}},
				"evaluation_logic": "any_met",
				"severity_mapping": map[string]any{"default": "medium"},
			},
		},
	}
	proposal := s.submit(models.ActionCreatePolicyDraft, payload)

	_, err := s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().NoError(err)

	versions, err := s.policies.ListByPolicy(s.ctx, id.PolicyID(policyID))
	s.Require().NoError(err)
	s.Require().Len(versions, 1)
	s.Equal("position limits", versions[0].Name)
}

func (s *ProposalSuite) TestApproveDraftWithoutPolicyIDStartsNewPolicy() {
	payload := map[string]any{
		"pack": "trading",
		"name": "drawdown limits",
		"rule": map[string]any{
			"kind": "threshold_breach",
			"threshold": map[string]any{
				"conditions": []any{map[string]any{
					"signal_type": "position", "field": "drawdown_pct",
					"op": ">", "value": 0.2,
				}},
				"evaluation_logic": "any_met",
				"severity_mapping": map[string]any{"default": "high"},
			},
		},
	}
	proposal := s.submit(models.ActionCreatePolicyDraft, payload)

	_, err := s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().NoError(err)

	// The draft minted a fresh policy id; find it through the audit trail.
	events, err := s.audits.ListRecent(s.ctx, 10)
	s.Require().NoError(err)
	var versionID string
	for _, event := range events {
		if event.Kind == audit.KindPolicyVersionCreated {
			versionID = event.EntityID
		}
	}
	s.Require().NotEmpty(versionID)

	parsed, err := uuid.Parse(versionID)
	s.Require().NoError(err)
	draft, err := s.policies.FindByID(s.ctx, id.PolicyVersionID(parsed))
	s.Require().NoError(err)
	s.Equal("drawdown limits", draft.Name)
	s.Equal(1, draft.VersionNumber)
	s.False(draft.PolicyID.IsNil())
}

func (s *ProposalSuite) TestApproveDismissesException() {
	exception := s.openException()
	proposal := s.submit(models.ActionDismissException, map[string]any{
		"exception_id": exception.ID.String(),
		"reason":       "threshold is stale, new limits in effect",
	})

	_, err := s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().NoError(err)

	stored, err := s.exceptions.FindByID(s.ctx, exception.ID)
	s.Require().NoError(err)
	s.Equal(excmodels.StatusDismissed, stored.Status)
}

func (s *ProposalSuite) TestApproveMalformedPayloadKeepsPending() {
	payload := ingestPayload()
	payload["observed_at"] = "not-a-timestamp"
	proposal := s.submit(models.ActionIngestSignal, payload)

	_, err := s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	stored, err := s.svc.Get(s.ctx, proposal.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, stored.Status)
}

func (s *ProposalSuite) TestDecideIsTerminal() {
	proposal := s.submit(models.ActionIngestSignal, ingestPayload())
	_, err := s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().NoError(err)

	_, err = s.svc.Approve(s.ctx, proposal.ID, "risk.officer@example.com")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = s.svc.Reject(s.ctx, proposal.ID, "risk.officer@example.com", "changed my mind")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *ProposalSuite) TestRejectExecutesNothing() {
	proposal := s.submit(models.ActionIngestSignal, ingestPayload())

	rejected, err := s.svc.Reject(s.ctx, proposal.ID, "risk.officer@example.com", "source looks unreliable")
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, rejected.Status)
	s.Equal("source looks unreliable", rejected.Reason)

	signals, err := s.signals.ListByPack(s.ctx, "trading", s.now.Add(-2*time.Hour), s.now)
	s.Require().NoError(err)
	s.Empty(signals)

	events, err := s.audits.ListByEntity(s.ctx, "proposal", proposal.ID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.KindProposalRejected, events[0].Kind)
}

func (s *ProposalSuite) TestRejectRequiresReason() {
	proposal := s.submit(models.ActionIngestSignal, ingestPayload())

	_, err := s.svc.Reject(s.ctx, proposal.ID, "risk.officer@example.com", "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ProposalSuite) TestApproveUnknownProposal() {
	_, err := s.svc.Approve(s.ctx, id.ProposalID(uuid.New()), "risk.officer@example.com")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ProposalSuite) openException() *excmodels.Exception {
	exception, err := excmodels.NewOpen(
		id.ExceptionID(uuid.New()),
		id.EvaluationID(uuid.New()),
		id.PolicyID(uuid.New()),
		id.Pack("trading"),
		"threshold_breach",
		id.SeverityMedium,
		"sha256:proposal-test-fingerprint",
		map[string]any{"asset": "BTC"},
		"position limits (asset=BTC)",
		map[string]any{},
		[]excmodels.Option{
			{ID: "acknowledge_and_monitor", Label: "Acknowledge and monitor"},
			{ID: "remediate", Label: "Remediate"},
		},
		id.NamespaceProduction,
		s.now.Add(-time.Hour),
	)
	s.Require().NoError(err)
	stored, created, err := s.exceptions.CreateIfAbsent(s.ctx, exception)
	s.Require().NoError(err)
	s.Require().True(created)
	return stored
}
