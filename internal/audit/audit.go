// Package audit captures the kernel's append-only audit trail. Every
// mutation path emits an event inside its transaction, so a committed
// entity always has its trail and a rolled-back one leaves none.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	id "keel/pkg/domain"
	"keel/pkg/requestcontext"
)

// Kind names what happened. The set is closed; consumers switch on it.
type Kind string

const (
	KindSignalIngested       Kind = "signal.ingested"
	KindPolicyVersionCreated Kind = "policy_version.created"
	KindPolicyActivated      Kind = "policy_version.activated"
	KindPolicyArchived       Kind = "policy_version.archived"
	KindEvaluationRecorded   Kind = "evaluation.recorded"
	KindExceptionRaised      Kind = "exception.raised"
	KindExceptionDismissed   Kind = "exception.dismissed"
	KindDecisionRecorded     Kind = "decision.recorded"
	KindEvidenceGenerated    Kind = "evidence_pack.generated"
	KindProposalApproved     Kind = "proposal.approved"
	KindProposalRejected     Kind = "proposal.rejected"
)

// Event is one immutable audit record.
type Event struct {
	ID         id.AuditEventID `json:"id"`
	Kind       Kind            `json:"kind"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Namespace  id.Namespace    `json:"namespace"`
	Actor      string          `json:"actor,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Detail     map[string]any  `json:"detail,omitempty"`
}

// Store persists audit events. Append-only: no update or delete exists.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, entityKind, entityID string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Recorder stamps and appends audit events. It is the one writer services
// use, so id/time/actor stamping stays in one place.
type Recorder struct {
	store Store
	sink  chan<- Event
}

type RecorderOption func(*Recorder)

// WithSink forwards appended events to a channel (e.g. the Kafka relay).
// The forward is best-effort and non-blocking; the store write is the
// durable one.
func WithSink(sink chan<- Event) RecorderOption {
	return func(r *Recorder) {
		r.sink = sink
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record fills in id, timestamp, actor, and request id from context, then
// appends. Events for non-production namespaces are dropped: replay runs
// never write production audit rows.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if !event.Namespace.IsProduction() {
		return nil
	}
	if event.ID.IsNil() {
		event.ID = id.AuditEventID(uuid.New())
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = requestcontext.Now(ctx)
	}
	if event.Actor == "" {
		event.Actor = requestcontext.Actor(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if err := r.store.Append(ctx, event); err != nil {
		return err
	}
	if r.sink != nil {
		select {
		case r.sink <- event:
		default:
		}
	}
	return nil
}

// Trail returns all events for one entity, oldest first.
func (r *Recorder) Trail(ctx context.Context, entityKind, entityID string) ([]Event, error) {
	return r.store.ListByEntity(ctx, entityKind, entityID)
}
