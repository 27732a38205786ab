package domain

import "github.com/google/uuid"

// Typed UUID wrappers for entity identifiers.
//
// Usage: construct with uuid.New() at creation sites; cast back to uuid.UUID
// only at storage boundaries. The distinct types prevent cross-entity id
// mixups at compile time.
type (
	SignalID        uuid.UUID
	PolicyID        uuid.UUID
	PolicyVersionID uuid.UUID
	EvaluationID    uuid.UUID
	ExceptionID     uuid.UUID
	DecisionID      uuid.UUID
	EvidencePackID  uuid.UUID
	ProposalID      uuid.UUID
	AuditEventID    uuid.UUID
)

func (id SignalID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id PolicyID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id PolicyVersionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id EvaluationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ExceptionID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id DecisionID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id EvidencePackID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id ProposalID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id AuditEventID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id SignalID) String() string        { return uuid.UUID(id).String() }
func (id PolicyID) String() string        { return uuid.UUID(id).String() }
func (id PolicyVersionID) String() string { return uuid.UUID(id).String() }
func (id EvaluationID) String() string    { return uuid.UUID(id).String() }
func (id ExceptionID) String() string     { return uuid.UUID(id).String() }
func (id DecisionID) String() string      { return uuid.UUID(id).String() }
func (id EvidencePackID) String() string  { return uuid.UUID(id).String() }
func (id ProposalID) String() string      { return uuid.UUID(id).String() }
func (id AuditEventID) String() string    { return uuid.UUID(id).String() }

// Text marshaling keeps ids rendering as canonical UUID strings in JSON,
// which serialized documents (evidence packs, audit details) depend on.

func (id SignalID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id PolicyID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id PolicyVersionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id EvaluationID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id ExceptionID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id DecisionID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id EvidencePackID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id ProposalID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id AuditEventID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }

func (id *SignalID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *PolicyID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *PolicyVersionID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *EvaluationID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ExceptionID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *DecisionID) UnmarshalText(b []byte) error      { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *EvidencePackID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ProposalID) UnmarshalText(b []byte) error      { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *AuditEventID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
