package service_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	auditstore "keel/internal/audit/store"
	decisionservice "keel/internal/decision/service"
	decisionstore "keel/internal/decision/store"
	evalservice "keel/internal/evaluation/service"
	evalstore "keel/internal/evaluation/store"
	"keel/internal/evidence/service"
	evidencestore "keel/internal/evidence/store"
	excservice "keel/internal/exception/service"
	excstore "keel/internal/exception/store"
	"keel/internal/fingerprint"
	policymodels "keel/internal/policy/models"
	policystore "keel/internal/policy/store"
	signalmodels "keel/internal/signal/models"
	signalstore "keel/internal/signal/store"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
	"keel/pkg/testutil"
)

// EvidenceSuite drives the full chain: signal, evaluation, exception,
// decision, then the pack.
type EvidenceSuite struct {
	suite.Suite
	svc        *service.Service
	decisionID id.DecisionID
	rationale  string
	ctx        context.Context
	now        time.Time
}

func (s *EvidenceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = testutil.FixedContext(s.now, "risk.officer@example.com")

	signals := signalstore.NewInMemory()
	policies := policystore.NewInMemory()
	evaluations := evalstore.NewInMemory()
	exceptions := excstore.NewInMemory()
	decisions := decisionstore.NewInMemory()
	recorder := audit.NewRecorder(auditstore.NewInMemory())

	rule := policymodels.RuleDefinition{
		Kind: policymodels.RuleThresholdBreach,
		Threshold: &policymodels.ThresholdBreach{
			Conditions: []policymodels.Condition{
				{SignalType: "position", Field: "current_position", Op: policymodels.OpGreater, CompareField: "limit"},
			},
			Logic:           policymodels.CombineAnyMet,
			SeverityMapping: policymodels.SeverityMapping{Default: id.SeverityHigh},
			KeyDimensions:   []string{"asset"},
		},
	}
	pv, err := policymodels.NewDraft(
		id.PolicyVersionID(uuid.New()), id.PolicyID(uuid.New()), id.Pack("trading"),
		"position limits", 1, rule, s.now)
	s.Require().NoError(err)
	s.Require().NoError(policies.Create(s.ctx, pv))

	sig, err := signalmodels.NewSignal(
		id.SignalID(uuid.New()), id.Pack("trading"), "position",
		map[string]any{"asset": "BTC", "current_position": 120, "limit": 100},
		"exchange-feed <script>", 0.9, s.now.Add(-time.Hour), s.now,
		signalmodels.Provenance{}, "")
	s.Require().NoError(err)
	_, _, err = signals.CreateIfAbsent(s.ctx, sig)
	s.Require().NoError(err)

	evaluator := evalservice.New(evaluations, recorder)
	eval, err := evaluator.Evaluate(s.ctx, pv, []*signalmodels.Signal{sig}, id.NamespaceProduction)
	s.Require().NoError(err)

	excCtx := testutil.At(s.ctx, s.now.Add(time.Minute))
	exceptioner := excservice.New(exceptions, recorder)
	exception, err := exceptioner.Generate(excCtx, eval, pv, []*signalmodels.Signal{sig})
	s.Require().NoError(err)
	s.Require().NotNil(exception)

	s.rationale = `unwinding <b>"carefully"</b> over the session`
	decCtx := testutil.At(s.ctx, s.now.Add(2*time.Minute))
	decider := decisionservice.New(decisions, exceptions, recorder)
	decision, err := decider.Record(decCtx, decisionservice.RecordInput{
		ExceptionID:    exception.ID,
		ChosenOptionID: "remediate",
		Rationale:      s.rationale,
		DecidedBy:      "risk.officer@example.com",
	})
	s.Require().NoError(err)
	s.decisionID = decision.ID

	s.svc = service.New(evidencestore.NewInMemory(), decisions, exceptions, evaluations, policies, signals, recorder)
}

func TestEvidenceSuite(t *testing.T) {
	suite.Run(t, new(EvidenceSuite))
}

func (s *EvidenceSuite) TestGenerateAssemblesFullChain() {
	pack, err := s.svc.Generate(s.ctx, s.decisionID)
	s.Require().NoError(err)

	doc := pack.Document
	s.Equal(s.decisionID, doc.Decision.ID)
	s.Equal(doc.Decision.ExceptionID, doc.Exception.ID)
	s.Equal(doc.Exception.EvaluationID, doc.Evaluation.ID)
	s.Equal(doc.Evaluation.PolicyVersionID, doc.Policy.PolicyVersionID)
	s.Len(doc.Signals, 1)

	// The full option list survives, with the chosen id among them.
	s.GreaterOrEqual(len(doc.Exception.Options), 2)
	s.True(doc.Exception.HasOption(doc.Decision.ChosenOptionID))

	// One event each for evaluation, exception, and decision, in order.
	s.Require().Len(doc.AuditTrail, 3)
	s.Equal(audit.KindEvaluationRecorded, doc.AuditTrail[0].Kind)
	s.Equal(audit.KindExceptionRaised, doc.AuditTrail[1].Kind)
	s.Equal(audit.KindDecisionRecorded, doc.AuditTrail[2].Kind)
}

func (s *EvidenceSuite) TestGenerateIsIdempotent() {
	first, err := s.svc.Generate(s.ctx, s.decisionID)
	s.Require().NoError(err)

	laterCtx := testutil.At(s.ctx, s.now.Add(time.Hour))
	second, err := s.svc.Generate(laterCtx, s.decisionID)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(first.ContentHash, second.ContentHash)
	s.True(first.GeneratedAt.Equal(second.GeneratedAt))
}

func (s *EvidenceSuite) TestContentHashIsRecomputable() {
	pack, err := s.svc.Generate(s.ctx, s.decisionID)
	s.Require().NoError(err)

	recomputed, err := fingerprint.ContentHash(pack.Document)
	s.Require().NoError(err)
	s.Equal(pack.ContentHash, recomputed)
	s.True(strings.HasPrefix(pack.ContentHash, "sha256:"))
}

func (s *EvidenceSuite) TestGenerateUnknownDecision() {
	_, err := s.svc.Generate(s.ctx, id.DecisionID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *EvidenceSuite) TestExportJSONIsByteStable() {
	pack, err := s.svc.Generate(s.ctx, s.decisionID)
	s.Require().NoError(err)

	first, err := s.svc.Export(s.ctx, pack.ID, service.FormatJSON)
	s.Require().NoError(err)
	second, err := s.svc.Export(s.ctx, pack.ID, service.FormatJSON)
	s.Require().NoError(err)
	s.True(bytes.Equal(first, second))

	// Sorted top-level keys: audit_trail before decision before signals.
	s.Less(bytes.Index(first, []byte(`"audit_trail"`)), bytes.Index(first, []byte(`"decision"`)))
	s.Less(bytes.Index(first, []byte(`"decision"`)), bytes.Index(first, []byte(`"signals"`)))
}

func (s *EvidenceSuite) TestExportHTMLEscapesFreeText() {
	pack, err := s.svc.Generate(s.ctx, s.decisionID)
	s.Require().NoError(err)

	out, err := s.svc.Export(s.ctx, pack.ID, service.FormatHTML)
	s.Require().NoError(err)

	html := string(out)
	s.NotContains(html, "<script>")
	s.NotContains(html, "<b>\"carefully\"</b>")
	s.Contains(html, "&lt;script&gt;")
}

func (s *EvidenceSuite) TestExportUnknownFormat() {
	pack, err := s.svc.Generate(s.ctx, s.decisionID)
	s.Require().NoError(err)

	_, err = s.svc.Export(s.ctx, pack.ID, service.Format("xml"))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}
