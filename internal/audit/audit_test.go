package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	"keel/internal/audit/store"
	id "keel/pkg/domain"
	"keel/pkg/testutil"
)

type RecorderSuite struct {
	suite.Suite
	store    *store.InMemory
	recorder *audit.Recorder
	ctx      context.Context
	now      time.Time
}

func (s *RecorderSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.recorder = audit.NewRecorder(s.store)
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = testutil.FixedContext(s.now, "ops@example.com")
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

func (s *RecorderSuite) TestStampsIDTimeAndActor() {
	err := s.recorder.Record(s.ctx, audit.Event{
		Kind:       audit.KindEvaluationRecorded,
		EntityKind: "evaluation",
		EntityID:   "eval-1",
		Namespace:  id.NamespaceProduction,
	})
	s.Require().NoError(err)

	events, err := s.recorder.Trail(s.ctx, "evaluation", "eval-1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.False(events[0].ID.IsNil())
	s.Equal(s.now, events[0].OccurredAt)
	s.Equal("ops@example.com", events[0].Actor)
}

func (s *RecorderSuite) TestReplayNamespaceWritesNothing() {
	err := s.recorder.Record(s.ctx, audit.Event{
		Kind:       audit.KindEvaluationRecorded,
		EntityKind: "evaluation",
		EntityID:   "eval-replay",
		Namespace:  id.Namespace("replay-2026-03-01"),
	})
	s.Require().NoError(err)

	events, err := s.recorder.Trail(s.ctx, "evaluation", "eval-replay")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *RecorderSuite) TestTrailOrderedByOccurrence() {
	for i, kind := range []audit.Kind{audit.KindExceptionRaised, audit.KindDecisionRecorded} {
		ctx := testutil.At(s.ctx, s.now.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.recorder.Record(ctx, audit.Event{
			Kind:       kind,
			EntityKind: "exception",
			EntityID:   "exc-1",
			Namespace:  id.NamespaceProduction,
		}))
	}

	events, err := s.recorder.Trail(s.ctx, "exception", "exc-1")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(audit.KindExceptionRaised, events[0].Kind)
	s.Equal(audit.KindDecisionRecorded, events[1].Kind)
	s.True(events[0].OccurredAt.Before(events[1].OccurredAt))
}

func (s *RecorderSuite) TestSinkReceivesForwardedEvents() {
	sink := make(chan audit.Event, 1)
	recorder := audit.NewRecorder(s.store, audit.WithSink(sink))

	err := recorder.Record(s.ctx, audit.Event{
		Kind:       audit.KindDecisionRecorded,
		EntityKind: "decision",
		EntityID:   "dec-1",
		Namespace:  id.NamespaceProduction,
	})
	s.Require().NoError(err)

	select {
	case forwarded := <-sink:
		s.Equal("dec-1", forwarded.EntityID)
	default:
		s.Fail("expected a forwarded event on the sink")
	}
}
