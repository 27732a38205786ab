package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	auditstore "keel/internal/audit/store"
	evalmodels "keel/internal/evaluation/models"
	"keel/internal/exception/models"
	"keel/internal/exception/service"
	"keel/internal/exception/store"
	policymodels "keel/internal/policy/models"
	signalmodels "keel/internal/signal/models"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/requestcontext"
)

type ExceptionSuite struct {
	suite.Suite
	svc    *service.Service
	audits *auditstore.InMemory
	ctx    context.Context
	now    time.Time
}

func (s *ExceptionSuite) SetupTest() {
	s.audits = auditstore.NewInMemory()
	s.svc = service.New(store.NewInMemory(), audit.NewRecorder(s.audits))
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func TestExceptionSuite(t *testing.T) {
	suite.Run(t, new(ExceptionSuite))
}

func (s *ExceptionSuite) policyVersion() *policymodels.PolicyVersion {
	rule := policymodels.RuleDefinition{
		Kind: policymodels.RuleThresholdBreach,
		Threshold: &policymodels.ThresholdBreach{
			Conditions: []policymodels.Condition{
				{SignalType: "position", Field: "current_position", Op: policymodels.OpGreater, CompareField: "limit"},
			},
			Logic:           policymodels.CombineAnyMet,
			SeverityMapping: policymodels.SeverityMapping{Default: id.SeverityMedium},
			KeyDimensions:   []string{"asset"},
		},
	}
	version, err := policymodels.NewDraft(
		id.PolicyVersionID(uuid.New()),
		id.PolicyID(uuid.New()),
		id.Pack("trading"),
		"position limits",
		1,
		rule,
		s.now,
	)
	s.Require().NoError(err)
	return version
}

func (s *ExceptionSuite) breachSignal(asset string) *signalmodels.Signal {
	sig, err := signalmodels.NewSignal(
		id.SignalID(uuid.New()),
		id.Pack("trading"),
		"position",
		map[string]any{"asset": asset, "current_position": 120, "limit": 100},
		"unit-test",
		0.9,
		s.now.Add(-time.Hour),
		s.now,
		signalmodels.Provenance{},
		"",
	)
	s.Require().NoError(err)
	return sig
}

func (s *ExceptionSuite) failedEvaluation(pv *policymodels.PolicyVersion, sig *signalmodels.Signal, severity id.Severity) *evalmodels.Evaluation {
	return &evalmodels.Evaluation{
		ID:              id.EvaluationID(uuid.New()),
		PolicyVersionID: pv.ID,
		SignalIDs:       []id.SignalID{sig.ID},
		Result:          evalmodels.ResultFail,
		Details: evalmodels.Details{
			Severity: severity,
			Conditions: []evalmodels.ConditionOutcome{
				{Index: 0, SignalType: "position", Met: true, BreachingSignalIDs: []id.SignalID{sig.ID}},
			},
		},
		InputHash:   "sha256:test",
		Namespace:   id.NamespaceProduction,
		EvaluatedAt: s.now,
	}
}

func (s *ExceptionSuite) TestRaisesFromFailedEvaluation() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")
	eval := s.failedEvaluation(pv, sig, id.SeverityHigh)

	exception, err := s.svc.Generate(s.ctx, eval, pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)
	s.Require().NotNil(exception)

	s.Equal(models.StatusOpen, exception.Status)
	s.Equal(id.SeverityHigh, exception.Severity)
	s.Equal("threshold_breach", exception.ExceptionType)
	s.Equal(map[string]any{"asset": "BTC"}, exception.KeyDimensions)
	s.Contains(exception.Title, "BTC")
	s.GreaterOrEqual(len(exception.Options), 2)

	events, err := s.audits.ListByEntity(s.ctx, "exception", exception.ID.String())
	s.Require().NoError(err)
	s.Len(events, 1)
	s.Equal(audit.KindExceptionRaised, events[0].Kind)
}

func (s *ExceptionSuite) TestNoExceptionWhenNotFailed() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")

	for _, result := range []evalmodels.Result{evalmodels.ResultPass, evalmodels.ResultInconclusive} {
		eval := s.failedEvaluation(pv, sig, id.SeverityMedium)
		eval.Result = result

		exception, err := s.svc.Generate(s.ctx, eval, pv, []*signalmodels.Signal{sig})
		s.Require().NoError(err)
		s.Nil(exception)
	}
}

func (s *ExceptionSuite) TestSeverityDefaultsToMedium() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")
	eval := s.failedEvaluation(pv, sig, "")

	exception, err := s.svc.Generate(s.ctx, eval, pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)
	s.Require().NotNil(exception)
	s.Equal(id.SeverityMedium, exception.Severity)
}

func (s *ExceptionSuite) TestDedupWhileOpen() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")

	first, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, sig, id.SeverityHigh), pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)
	s.Require().NotNil(first)

	// Same asset, fresh evaluation: suppressed while the first stays open.
	again := s.breachSignal("BTC")
	suppressed, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, again, id.SeverityHigh), pv, []*signalmodels.Signal{again})
	s.Require().NoError(err)
	s.Nil(suppressed)

	// A different asset is a different problem.
	eth := s.breachSignal("ETH")
	other, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, eth, id.SeverityHigh), pv, []*signalmodels.Signal{eth})
	s.Require().NoError(err)
	s.Require().NotNil(other)
	s.NotEqual(first.Fingerprint, other.Fingerprint)
}

func (s *ExceptionSuite) TestFingerprintRecursAfterDismissal() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")

	first, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, sig, id.SeverityHigh), pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)
	s.Require().NotNil(first)

	dismissed, err := s.svc.Dismiss(s.ctx, first.ID, "threshold under revision")
	s.Require().NoError(err)
	s.Equal(models.StatusDismissed, dismissed.Status)
	s.Require().NotNil(dismissed.ResolvedAt)
	s.True(dismissed.ResolvedAt.Equal(s.now))

	// The problem may recur once no open exception holds the fingerprint.
	again := s.breachSignal("BTC")
	recurred, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, again, id.SeverityHigh), pv, []*signalmodels.Signal{again})
	s.Require().NoError(err)
	s.Require().NotNil(recurred)
	s.Equal(first.Fingerprint, recurred.Fingerprint)
	s.NotEqual(first.ID, recurred.ID)
}

func (s *ExceptionSuite) TestDismissValidation() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")
	first, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, sig, id.SeverityHigh), pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)

	s.Run("empty reason", func() {
		_, err := s.svc.Dismiss(s.ctx, first.ID, "  ")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown exception", func() {
		_, err := s.svc.Dismiss(s.ctx, id.ExceptionID(uuid.New()), "reason")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("already dismissed", func() {
		_, err := s.svc.Dismiss(s.ctx, first.ID, "reason")
		s.Require().NoError(err)
		_, err = s.svc.Dismiss(s.ctx, first.ID, "again")
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

// TestOptionSchemaCarriesNoRanking inspects the serialized option schema:
// no key may steer the decider toward one choice.
func (s *ExceptionSuite) TestOptionSchemaCarriesNoRanking() {
	pv := s.policyVersion()
	sig := s.breachSignal("BTC")
	exception, err := s.svc.Generate(s.ctx, s.failedEvaluation(pv, sig, id.SeverityHigh), pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)
	s.Require().NotNil(exception)

	raw, err := json.Marshal(exception.Options)
	s.Require().NoError(err)

	var decoded []map[string]any
	s.Require().NoError(json.Unmarshal(raw, &decoded))
	s.Require().GreaterOrEqual(len(decoded), 2)

	forbidden := []string{"recommended", "default", "priority", "weight", "ranking"}
	for _, option := range decoded {
		for _, key := range forbidden {
			s.NotContains(option, key)
		}
		s.Contains(option, "id")
		s.Contains(option, "label")
		s.Contains(option, "description")
		s.Contains(option, "implications")
	}
}

func (s *ExceptionSuite) TestListOpenOrdersByRaiseTime() {
	pv := s.policyVersion()

	for i, asset := range []string{"BTC", "ETH", "SOL"} {
		ctx := requestcontext.WithTime(context.Background(), s.now.Add(time.Duration(i)*time.Minute))
		sig := s.breachSignal(asset)
		_, err := s.svc.Generate(ctx, s.failedEvaluation(pv, sig, id.SeverityHigh), pv, []*signalmodels.Signal{sig})
		s.Require().NoError(err)
	}

	open, err := s.svc.ListOpen(s.ctx, id.NamespaceProduction)
	s.Require().NoError(err)
	s.Require().Len(open, 3)
	s.Equal(map[string]any{"asset": "BTC"}, open[0].KeyDimensions)
	s.Equal(map[string]any{"asset": "SOL"}, open[2].KeyDimensions)
}
