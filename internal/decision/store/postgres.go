package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"keel/internal/decision/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists decisions. The decisions table is append-only with a
// unique constraint on exception_id; no UPDATE statement exists here.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) execer(ctx context.Context) queryable {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Create(ctx context.Context, decision *models.Decision) error {
	assumptions, err := json.Marshal(decision.Assumptions)
	if err != nil {
		return fmt.Errorf("marshal assumptions: %w", err)
	}

	query := `
		INSERT INTO decisions (
			id, exception_id, chosen_option_id, rationale, decided_by,
			assumptions, is_hard_override, approved_by, approved_at,
			approval_notes, namespace, decided_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(decision.ID),
		uuid.UUID(decision.ExceptionID),
		decision.ChosenOptionID,
		decision.Rationale,
		decision.DecidedBy,
		assumptions,
		decision.IsHardOverride,
		decision.ApprovedBy,
		decision.ApprovedAt,
		decision.ApprovalNotes,
		decision.Namespace.String(),
		decision.DecidedAt,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, decisionID id.DecisionID) (*models.Decision, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectDecision+` WHERE id = $1`, uuid.UUID(decisionID))
	return scanDecision(row)
}

func (s *Postgres) FindByException(ctx context.Context, exceptionID id.ExceptionID) (*models.Decision, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectDecision+` WHERE exception_id = $1`, uuid.UUID(exceptionID))
	return scanDecision(row)
}

const selectDecision = `
	SELECT id, exception_id, chosen_option_id, rationale, decided_by,
	       assumptions, is_hard_override, approved_by, approved_at,
	       approval_notes, namespace, decided_at
	FROM decisions`

func scanDecision(row *sql.Row) (*models.Decision, error) {
	var (
		decision    models.Decision
		decisionID  uuid.UUID
		exceptionID uuid.UUID
		assumptions []byte
		namespace   string
	)
	err := row.Scan(
		&decisionID,
		&exceptionID,
		&decision.ChosenOptionID,
		&decision.Rationale,
		&decision.DecidedBy,
		&assumptions,
		&decision.IsHardOverride,
		&decision.ApprovedBy,
		&decision.ApprovedAt,
		&decision.ApprovalNotes,
		&namespace,
		&decision.DecidedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	decision.ID = id.DecisionID(decisionID)
	decision.ExceptionID = id.ExceptionID(exceptionID)
	decision.Namespace = id.Namespace(namespace)
	if err := json.Unmarshal(assumptions, &decision.Assumptions); err != nil {
		return nil, fmt.Errorf("unmarshal assumptions: %w", err)
	}
	return &decision, nil
}
