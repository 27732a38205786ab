package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"keel/internal/proposal/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists proposals.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) execer(ctx context.Context) queryable {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Create(ctx context.Context, proposal *models.Proposal) error {
	payload, err := json.Marshal(proposal.Payload)
	if err != nil {
		return fmt.Errorf("marshal proposal payload: %w", err)
	}

	query := `
		INSERT INTO proposals (
			id, action_type, payload, proposed_by, confidence, status,
			created_at, decided_at, decided_by, reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(proposal.ID),
		string(proposal.ActionType),
		payload,
		proposal.ProposedBy,
		proposal.Confidence,
		string(proposal.Status),
		proposal.CreatedAt,
		proposal.DecidedAt,
		proposal.DecidedBy,
		proposal.Reason,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectProposal+` WHERE id = $1`, uuid.UUID(proposalID))
	return scanProposal(row)
}

func (s *Postgres) ListPending(ctx context.Context) ([]*models.Proposal, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		selectProposal+` WHERE status = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query pending proposals: %w", err)
	}
	defer rows.Close()

	var out []*models.Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, proposal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

// Execute locks one proposal FOR UPDATE, validates, mutates, and writes
// the mutable columns back.
func (s *Postgres) Execute(ctx context.Context, proposalID id.ProposalID, validate func(*models.Proposal) error, mutate func(*models.Proposal)) (*models.Proposal, error) {
	execer := s.execer(ctx)

	row := execer.QueryRowContext(ctx, selectProposal+` WHERE id = $1 FOR UPDATE`, uuid.UUID(proposalID))
	proposal, err := scanProposal(row)
	if err != nil {
		return nil, err
	}
	if err := validate(proposal); err != nil {
		return nil, err
	}
	mutate(proposal)

	query := `
		UPDATE proposals
		SET status = $2, decided_at = $3, decided_by = $4, reason = $5
		WHERE id = $1
	`
	_, err = execer.ExecContext(ctx, query,
		uuid.UUID(proposal.ID),
		string(proposal.Status),
		proposal.DecidedAt,
		proposal.DecidedBy,
		proposal.Reason,
	)
	if err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}
	return proposal, nil
}

const selectProposal = `
	SELECT id, action_type, payload, proposed_by, confidence, status,
	       created_at, decided_at, decided_by, reason
	FROM proposals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*models.Proposal, error) {
	var (
		proposal   models.Proposal
		proposalID uuid.UUID
		actionType string
		payload    []byte
		status     string
	)
	err := row.Scan(
		&proposalID,
		&actionType,
		&payload,
		&proposal.ProposedBy,
		&proposal.Confidence,
		&status,
		&proposal.CreatedAt,
		&proposal.DecidedAt,
		&proposal.DecidedBy,
		&proposal.Reason,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	proposal.ID = id.ProposalID(proposalID)
	proposal.ActionType = models.ActionType(actionType)
	proposal.Status = models.Status(status)
	if err := json.Unmarshal(payload, &proposal.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal proposal payload: %w", err)
	}
	return &proposal, nil
}
