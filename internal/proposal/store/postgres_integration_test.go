//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keel/internal/proposal/models"
	"keel/internal/proposal/store"
	id "keel/pkg/domain"
	"keel/pkg/testutil/containers"
)

type ProposalPostgresSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestProposalPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ProposalPostgresSuite))
}

func (s *ProposalPostgresSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *ProposalPostgresSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateAll(context.Background()))
}

func (s *ProposalPostgresSuite) newPending() *models.Proposal {
	confidence := 0.75
	proposal, err := models.NewPending(
		id.ProposalID(uuid.New()),
		models.ActionIngestSignal,
		map[string]any{"pack": "trading", "signal_type": "position"},
		"agent:signal-extractor",
		&confidence,
		time.Now().UTC().Truncate(time.Microsecond),
	)
	s.Require().NoError(err)
	return proposal
}

func (s *ProposalPostgresSuite) TestRoundTripPreservesConfidence() {
	ctx := context.Background()
	proposal := s.newPending()
	s.Require().NoError(s.store.Create(ctx, proposal))

	loaded, err := s.store.FindByID(ctx, proposal.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, loaded.Status)
	s.Equal(proposal.Payload, loaded.Payload)
	s.Require().NotNil(loaded.Confidence)
	s.InDelta(0.75, *loaded.Confidence, 1e-9)
	s.Nil(loaded.DecidedAt)
}

func (s *ProposalPostgresSuite) TestApprovalPersistsDecision() {
	ctx := context.Background()
	proposal := s.newPending()
	s.Require().NoError(s.store.Create(ctx, proposal))

	decidedAt := time.Now().UTC().Truncate(time.Microsecond)
	_, err := s.store.Execute(ctx, proposal.ID,
		func(p *models.Proposal) error { return p.CanDecide() },
		func(p *models.Proposal) { p.ApplyApproval("risk.officer@example.com", decidedAt) },
	)
	s.Require().NoError(err)

	loaded, err := s.store.FindByID(ctx, proposal.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, loaded.Status)
	s.Equal("risk.officer@example.com", loaded.DecidedBy)
	s.Require().NotNil(loaded.DecidedAt)
	s.True(loaded.DecidedAt.Equal(decidedAt))
}

func (s *ProposalPostgresSuite) TestListPendingExcludesDecided() {
	ctx := context.Background()
	pending := s.newPending()
	s.Require().NoError(s.store.Create(ctx, pending))

	rejected := s.newPending()
	s.Require().NoError(s.store.Create(ctx, rejected))
	_, err := s.store.Execute(ctx, rejected.ID,
		func(p *models.Proposal) error { return p.CanDecide() },
		func(p *models.Proposal) {
			p.ApplyRejection("risk.officer@example.com", "unreliable source", time.Now().UTC())
		},
	)
	s.Require().NoError(err)

	list, err := s.store.ListPending(ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(pending.ID, list[0].ID)
}
