package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	auditstore "keel/internal/audit/store"
	"keel/internal/decision/service"
	decisionstore "keel/internal/decision/store"
	excmodels "keel/internal/exception/models"
	excstore "keel/internal/exception/store"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/testutil"
)

type DecisionSuite struct {
	suite.Suite
	svc        *service.Service
	exceptions *excstore.InMemory
	audits     *auditstore.InMemory
	ctx        context.Context
	now        time.Time
}

func (s *DecisionSuite) SetupTest() {
	s.exceptions = excstore.NewInMemory()
	s.audits = auditstore.NewInMemory()
	s.svc = service.New(decisionstore.NewInMemory(), s.exceptions, audit.NewRecorder(s.audits))
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = testutil.FixedContext(s.now, "risk.officer@example.com")
}

func TestDecisionSuite(t *testing.T) {
	suite.Run(t, new(DecisionSuite))
}

func (s *DecisionSuite) openException() *excmodels.Exception {
	exception, err := excmodels.NewOpen(
		id.ExceptionID(uuid.New()),
		id.EvaluationID(uuid.New()),
		id.PolicyID(uuid.New()),
		id.Pack("trading"),
		"threshold_breach",
		id.SeverityHigh,
		"sha256:fingerprint",
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

func (s *DecisionSuite) TestRecordResolvesException() {
	exception := s.openException()

	decision, err := s.svc.Record(s.ctx, service.RecordInput{
		ExceptionID:    exception.ID,
		ChosenOptionID: "remediate",
		Rationale:      "unwinding the position over the next session",
		DecidedBy:      "risk.officer@example.com",
		Assumptions:    []string{"liquidity stays normal"},
	})
	s.Require().NoError(err)
	s.Equal(exception.ID, decision.ExceptionID)
	s.Equal("remediate", decision.ChosenOptionID)
	s.True(decision.DecidedAt.Equal(s.now))

	resolved, err := s.exceptions.FindByID(s.ctx, exception.ID)
	s.Require().NoError(err)
	s.Equal(excmodels.StatusResolved, resolved.Status)
	s.Require().NotNil(resolved.ResolvedAt)
	s.True(resolved.ResolvedAt.Equal(decision.DecidedAt))

	events, err := s.audits.ListByEntity(s.ctx, "decision", decision.ID.String())
	s.Require().NoError(err)
	s.Len(events, 1)
	s.Equal(audit.KindDecisionRecorded, events[0].Kind)
}

func (s *DecisionSuite) TestValidationOrder() {
	exception := s.openException()

	s.Run("unknown exception", func() {
		_, err := s.svc.Record(s.ctx, service.RecordInput{
			ExceptionID:    id.ExceptionID(uuid.New()),
			ChosenOptionID: "remediate",
			Rationale:      "r",
			DecidedBy:      "someone",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("option not a member", func() {
		_, err := s.svc.Record(s.ctx, service.RecordInput{
			ExceptionID:    exception.ID,
			ChosenOptionID: "invent_a_choice",
			Rationale:      "r",
			DecidedBy:      "someone",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("empty rationale", func() {
		_, err := s.svc.Record(s.ctx, service.RecordInput{
			ExceptionID:    exception.ID,
			ChosenOptionID: "remediate",
			Rationale:      "   ",
			DecidedBy:      "someone",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("hard override without approver", func() {
		_, err := s.svc.Record(s.ctx, service.RecordInput{
			ExceptionID:    exception.ID,
			ChosenOptionID: "remediate",
			Rationale:      "r",
			DecidedBy:      "someone",
			IsHardOverride: true,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	// Nothing above may have resolved the exception.
	open, err := s.exceptions.FindByID(s.ctx, exception.ID)
	s.Require().NoError(err)
	s.Equal(excmodels.StatusOpen, open.Status)
}

func (s *DecisionSuite) TestHardOverrideWithApprover() {
	exception := s.openException()

	decision, err := s.svc.Record(s.ctx, service.RecordInput{
		ExceptionID:    exception.ID,
		ChosenOptionID: "acknowledge_and_monitor",
		Rationale:      "board-approved carry over quarter end",
		DecidedBy:      "risk.officer@example.com",
		IsHardOverride: true,
		ApprovedBy:     "cro@example.com",
		ApprovalNotes:  "approved in the 2026-02-27 risk committee",
	})
	s.Require().NoError(err)
	s.True(decision.IsHardOverride)
	s.Equal("cro@example.com", decision.ApprovedBy)
	s.Require().NotNil(decision.ApprovedAt)
	s.True(decision.ApprovedAt.Equal(decision.DecidedAt))
}

func (s *DecisionSuite) TestSecondDecisionRejected() {
	exception := s.openException()
	input := service.RecordInput{
		ExceptionID:    exception.ID,
		ChosenOptionID: "remediate",
		Rationale:      "first decision",
		DecidedBy:      "someone",
	}

	_, err := s.svc.Record(s.ctx, input)
	s.Require().NoError(err)

	// The exception left OPEN, so a second decision fails the state gate.
	_, err = s.svc.Record(s.ctx, input)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *DecisionSuite) TestGetByException() {
	exception := s.openException()
	recorded, err := s.svc.Record(s.ctx, service.RecordInput{
		ExceptionID:    exception.ID,
		ChosenOptionID: "remediate",
		Rationale:      "rationale",
		DecidedBy:      "someone",
	})
	s.Require().NoError(err)

	found, err := s.svc.GetByException(s.ctx, exception.ID)
	s.Require().NoError(err)
	s.Equal(recorded.ID, found.ID)

	_, err = s.svc.GetByException(s.ctx, id.ExceptionID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
