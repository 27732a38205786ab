package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"keel/internal/evaluation/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists evaluations. The evaluations table carries a unique
// constraint on (namespace, input_hash); the insert-or-fetch-existing flow
// makes concurrent identical evaluations converge on one record.
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

func (s *Postgres) CreateIfAbsent(ctx context.Context, eval *models.Evaluation) (*models.Evaluation, bool, error) {
	details, err := json.Marshal(eval.Details)
	if err != nil {
		return nil, false, fmt.Errorf("marshal evaluation details: %w", err)
	}
	signalIDs, err := json.Marshal(eval.SignalIDs)
	if err != nil {
		return nil, false, fmt.Errorf("marshal signal ids: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, policy_version_id, signal_ids, result, details,
			input_hash, namespace, evaluated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(eval.ID),
		uuid.UUID(eval.PolicyVersionID),
		signalIDs,
		string(eval.Result),
		details,
		eval.InputHash,
		eval.Namespace.String(),
		eval.EvaluatedAt,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			existing, findErr := s.FindByInputHash(ctx, eval.Namespace, eval.InputHash)
			if findErr != nil {
				return nil, false, fmt.Errorf("%w: duplicate evaluation insert and fetch failed: %v", sentinel.ErrConflict, findErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert evaluation: %w", err)
	}
	return eval, true, nil
}

func (s *Postgres) FindByID(ctx context.Context, evalID id.EvaluationID) (*models.Evaluation, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectEvaluation+` WHERE id = $1`, uuid.UUID(evalID))
	return scanEvaluation(row)
}

func (s *Postgres) FindByInputHash(ctx context.Context, namespace id.Namespace, inputHash string) (*models.Evaluation, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		selectEvaluation+` WHERE namespace = $1 AND input_hash = $2`,
		namespace.String(), inputHash)
	return scanEvaluation(row)
}

const selectEvaluation = `
	SELECT id, policy_version_id, signal_ids, result, details,
	       input_hash, namespace, evaluated_at
	FROM evaluations`

func scanEvaluation(row *sql.Row) (*models.Evaluation, error) {
	var (
		eval      models.Evaluation
		evalID    uuid.UUID
		versionID uuid.UUID
		signalIDs []byte
		result    string
		details   []byte
		namespace string
	)
	err := row.Scan(
		&evalID,
		&versionID,
		&signalIDs,
		&result,
		&details,
		&eval.InputHash,
		&namespace,
		&eval.EvaluatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}
	eval.ID = id.EvaluationID(evalID)
	eval.PolicyVersionID = id.PolicyVersionID(versionID)
	eval.Result = models.Result(result)
	eval.Namespace = id.Namespace(namespace)
	if err := json.Unmarshal(signalIDs, &eval.SignalIDs); err != nil {
		return nil, fmt.Errorf("unmarshal signal ids: %w", err)
	}
	if err := json.Unmarshal(details, &eval.Details); err != nil {
		return nil, fmt.Errorf("unmarshal evaluation details: %w", err)
	}
	return &eval, nil
}
