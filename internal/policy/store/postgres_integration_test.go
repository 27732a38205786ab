//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keel/internal/policy/models"
	"keel/internal/policy/store"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
	"keel/pkg/testutil/containers"
)

type PolicyPostgresSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPolicyPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PolicyPostgresSuite))
}

func (s *PolicyPostgresSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PolicyPostgresSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateAll(context.Background()))
}

func thresholdRule() models.RuleDefinition {
	return models.RuleDefinition{
		Kind: models.RuleThresholdBreach,
		Threshold: &models.ThresholdBreach{
			Conditions: []models.Condition{
				{SignalType: "position", Field: "current_position", Op: models.OpGreater, CompareField: "limit"},
			},
			Logic: models.CombineAnyMet,
			SeverityMapping: models.SeverityMapping{
				Default: id.SeverityMedium,
			},
		},
	}
}

func (s *PolicyPostgresSuite) newDraft(policyID id.PolicyID, versionNumber int) *models.PolicyVersion {
	draft, err := models.NewDraft(
		id.PolicyVersionID(uuid.New()),
		policyID,
		id.Pack("trading"),
		"position limits",
		versionNumber,
		thresholdRule(),
		time.Now().UTC().Truncate(time.Microsecond),
	)
	s.Require().NoError(err)
	return draft
}

func (s *PolicyPostgresSuite) TestDuplicateVersionNumberRejected() {
	ctx := context.Background()
	policyID := id.PolicyID(uuid.New())

	s.Require().NoError(s.store.Create(ctx, s.newDraft(policyID, 1)))
	err := s.store.Create(ctx, s.newDraft(policyID, 1))
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrAlreadyUsed))
}

func (s *PolicyPostgresSuite) TestRuleDefinitionRoundTrip() {
	ctx := context.Background()
	draft := s.newDraft(id.PolicyID(uuid.New()), 1)
	s.Require().NoError(s.store.Create(ctx, draft))

	loaded, err := s.store.FindByID(ctx, draft.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDraft, loaded.Status)
	s.Equal(draft.Rule, loaded.Rule)
}

func (s *PolicyPostgresSuite) TestActivationVisibleToListActive() {
	ctx := context.Background()
	draft := s.newDraft(id.PolicyID(uuid.New()), 1)
	s.Require().NoError(s.store.Create(ctx, draft))

	activatedAt := time.Now().UTC().Truncate(time.Microsecond)
	_, err := s.store.Execute(ctx, draft.ID,
		func(v *models.PolicyVersion) error { return v.CanActivate() },
		func(v *models.PolicyVersion) { v.ApplyActivation(activatedAt) },
	)
	s.Require().NoError(err)

	active, err := s.store.ListActiveByPack(ctx, id.Pack("trading"))
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(draft.ID, active[0].ID)
	s.Equal(models.StatusActive, active[0].Status)
}

func (s *PolicyPostgresSuite) TestExecuteRejectsInvalidTransition() {
	ctx := context.Background()
	draft := s.newDraft(id.PolicyID(uuid.New()), 1)
	s.Require().NoError(s.store.Create(ctx, draft))

	at := time.Now().UTC()
	_, err := s.store.Execute(ctx, draft.ID,
		func(v *models.PolicyVersion) error { return v.CanActivate() },
		func(v *models.PolicyVersion) { v.ApplyActivation(at) },
	)
	s.Require().NoError(err)

	// A second activation must fail the draft -> active gate.
	_, err = s.store.Execute(ctx, draft.ID,
		func(v *models.PolicyVersion) error { return v.CanActivate() },
		func(v *models.PolicyVersion) { v.ApplyActivation(at) },
	)
	s.Require().Error(err)
}
