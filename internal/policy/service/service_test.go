package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	auditstore "keel/internal/audit/store"
	"keel/internal/policy/models"
	"keel/internal/policy/service"
	"keel/internal/policy/store"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/requestcontext"
)

func thresholdRule() models.RuleDefinition {
	return models.RuleDefinition{
		Kind: models.RuleThresholdBreach,
		Threshold: &models.ThresholdBreach{
			Conditions: []models.Condition{
				{SignalType: "position", Field: "current_position", Op: models.OpGreater, CompareField: "limit"},
			},
			Logic: models.CombineAnyMet,
			SeverityMapping: models.SeverityMapping{
				Rules: []models.SeverityRule{
					{When: models.Predicate{Field: "duration_hours", Op: models.OpGreaterOrEqual, Value: 1}, Severity: id.SeverityHigh},
				},
				Default: id.SeverityMedium,
			},
			KeyDimensions: []string{"asset"},
		},
	}
}

type PolicySuite struct {
	suite.Suite
	svc *service.Service
	ctx context.Context
	now time.Time
}

func (s *PolicySuite) SetupTest() {
	recorder := audit.NewRecorder(auditstore.NewInMemory())
	s.svc = service.New(store.NewInMemory(), id.NewPackRegistry("trading"), recorder)
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func TestPolicySuite(t *testing.T) {
	suite.Run(t, new(PolicySuite))
}

func (s *PolicySuite) TestDraftThenActivate() {
	draft, err := s.svc.CreateDraft(s.ctx, service.DraftInput{
		Pack: "trading",
		Name: "position limits",
		Rule: thresholdRule(),
	})
	s.Require().NoError(err)
	s.Equal(models.StatusDraft, draft.Status)
	s.Equal(1, draft.VersionNumber)

	active, err := s.svc.Activate(s.ctx, draft.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, active.Status)
	s.Equal(s.now, active.ValidFrom)
	s.Nil(active.ValidTo)
}

func (s *PolicySuite) TestActivationArchivesPriorActive() {
	v1, err := s.svc.CreateDraft(s.ctx, service.DraftInput{Pack: "trading", Name: "limits", Rule: thresholdRule()})
	s.Require().NoError(err)
	_, err = s.svc.Activate(s.ctx, v1.ID)
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), s.now.Add(24*time.Hour))
	v2, err := s.svc.CreateDraft(later, service.DraftInput{PolicyID: v1.PolicyID, Pack: "trading", Name: "limits", Rule: thresholdRule()})
	s.Require().NoError(err)
	s.Equal(2, v2.VersionNumber)

	_, err = s.svc.Activate(later, v2.ID)
	s.Require().NoError(err)

	archived, err := s.svc.Version(s.ctx, v1.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusArchived, archived.Status)
	s.Require().NotNil(archived.ValidTo)
	s.Equal(s.now.Add(24*time.Hour), *archived.ValidTo)
}

func (s *PolicySuite) TestActivePoliciesFiltersByValidityAndPack() {
	draft, err := s.svc.CreateDraft(s.ctx, service.DraftInput{Pack: "trading", Name: "limits", Rule: thresholdRule()})
	s.Require().NoError(err)
	_, err = s.svc.Activate(s.ctx, draft.ID)
	s.Require().NoError(err)

	active, err := s.svc.ActivePolicies(s.ctx, "trading", s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Len(active, 1)

	before, err := s.svc.ActivePolicies(s.ctx, "trading", s.now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Empty(before)
}

func (s *PolicySuite) TestPolicyVersionResolvesHistorically() {
	v1, err := s.svc.CreateDraft(s.ctx, service.DraftInput{Pack: "trading", Name: "limits", Rule: thresholdRule()})
	s.Require().NoError(err)
	_, err = s.svc.Activate(s.ctx, v1.ID)
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), s.now.Add(48*time.Hour))
	v2, err := s.svc.CreateDraft(later, service.DraftInput{PolicyID: v1.PolicyID, Pack: "trading", Name: "limits", Rule: thresholdRule()})
	s.Require().NoError(err)
	_, err = s.svc.Activate(later, v2.ID)
	s.Require().NoError(err)

	// In v1's window the archived version still resolves.
	got, err := s.svc.PolicyVersion(s.ctx, v1.PolicyID, s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(v1.ID, got.ID)

	got, err = s.svc.PolicyVersion(s.ctx, v1.PolicyID, s.now.Add(72*time.Hour))
	s.Require().NoError(err)
	s.Equal(v2.ID, got.ID)

	_, err = s.svc.PolicyVersion(s.ctx, v1.PolicyID, s.now.Add(-time.Hour))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *PolicySuite) TestActivateNonDraftFails() {
	draft, err := s.svc.CreateDraft(s.ctx, service.DraftInput{Pack: "trading", Name: "limits", Rule: thresholdRule()})
	s.Require().NoError(err)
	_, err = s.svc.Activate(s.ctx, draft.ID)
	s.Require().NoError(err)

	_, err = s.svc.Activate(s.ctx, draft.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *PolicySuite) TestMalformedRuleRejected() {
	cases := []struct {
		name string
		rule models.RuleDefinition
	}{
		{"unknown kind", models.RuleDefinition{Kind: "fuzzy_logic"}},
		{"missing threshold body", models.RuleDefinition{Kind: models.RuleThresholdBreach}},
		{"no conditions", models.RuleDefinition{
			Kind:      models.RuleThresholdBreach,
			Threshold: &models.ThresholdBreach{Logic: models.CombineAnyMet},
		}},
		{"bad operator", models.RuleDefinition{
			Kind: models.RuleThresholdBreach,
			Threshold: &models.ThresholdBreach{
				Conditions: []models.Condition{{SignalType: "position", Field: "x", Op: "~=", Value: 1}},
				Logic:      models.CombineAnyMet,
			},
		}},
		{"value and compare_field", models.RuleDefinition{
			Kind: models.RuleThresholdBreach,
			Threshold: &models.ThresholdBreach{
				Conditions: []models.Condition{{SignalType: "position", Field: "x", Op: models.OpGreater, Value: 1, CompareField: "y"}},
				Logic:      models.CombineAnyMet,
			},
		}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.svc.CreateDraft(s.ctx, service.DraftInput{Pack: "trading", Name: "bad", Rule: tc.rule})
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func (s *PolicySuite) TestPlaceholderFamiliesValidate() {
	_, err := s.svc.CreateDraft(s.ctx, service.DraftInput{
		Pack: "trading",
		Name: "wash trade pattern",
		Rule: models.RuleDefinition{Kind: models.RulePatternMatch, Pattern: &models.PatternMatch{Pattern: "wash_trade"}},
	})
	s.Require().NoError(err)
}
