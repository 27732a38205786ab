package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"keel/internal/evidence/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists evidence packs. evidence_packs carries a unique
// constraint on decision_id.
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

// CreateIfAbsent inserts the pack, and on a decision_id collision fetches
// and returns the pack that won the race.
func (s *Postgres) CreateIfAbsent(ctx context.Context, pack *models.EvidencePack) (*models.EvidencePack, bool, error) {
	document, err := json.Marshal(pack.Document)
	if err != nil {
		return nil, false, fmt.Errorf("marshal evidence document: %w", err)
	}

	query := `
		INSERT INTO evidence_packs (id, decision_id, document, content_hash, generated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(pack.ID),
		uuid.UUID(pack.DecisionID),
		document,
		pack.ContentHash,
		pack.GeneratedAt,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			existing, findErr := s.FindByDecision(ctx, pack.DecisionID)
			if findErr != nil {
				return nil, false, fmt.Errorf("fetch evidence pack after conflict: %w", findErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert evidence pack: %w", err)
	}
	return pack, true, nil
}

func (s *Postgres) FindByID(ctx context.Context, packID id.EvidencePackID) (*models.EvidencePack, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectPack+` WHERE id = $1`, uuid.UUID(packID))
	return scanPack(row)
}

func (s *Postgres) FindByDecision(ctx context.Context, decisionID id.DecisionID) (*models.EvidencePack, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectPack+` WHERE decision_id = $1`, uuid.UUID(decisionID))
	return scanPack(row)
}

const selectPack = `
	SELECT id, decision_id, document, content_hash, generated_at
	FROM evidence_packs`

func scanPack(row *sql.Row) (*models.EvidencePack, error) {
	var (
		pack       models.EvidencePack
		packID     uuid.UUID
		decisionID uuid.UUID
		document   []byte
	)
	err := row.Scan(&packID, &decisionID, &document, &pack.ContentHash, &pack.GeneratedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan evidence pack: %w", err)
	}
	pack.ID = id.EvidencePackID(packID)
	pack.DecisionID = id.DecisionID(decisionID)
	if err := json.Unmarshal(document, &pack.Document); err != nil {
		return nil, fmt.Errorf("unmarshal evidence document: %w", err)
	}
	return &pack, nil
}
