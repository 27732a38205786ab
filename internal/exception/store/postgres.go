package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"keel/internal/exception/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists exceptions. The exceptions table carries a partial
// unique index on (namespace, fingerprint) WHERE status = 'open', so
// concurrent raises of the same problem collapse to one open record.
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

// CreateIfAbsent inserts the exception, and on an open-fingerprint
// collision fetches and returns the open record that won the race.
func (s *Postgres) CreateIfAbsent(ctx context.Context, exception *models.Exception) (*models.Exception, bool, error) {
	keyDimensions, err := json.Marshal(exception.KeyDimensions)
	if err != nil {
		return nil, false, fmt.Errorf("marshal key dimensions: %w", err)
	}
	exceptionContext, err := json.Marshal(exception.Context)
	if err != nil {
		return nil, false, fmt.Errorf("marshal context: %w", err)
	}
	options, err := json.Marshal(exception.Options)
	if err != nil {
		return nil, false, fmt.Errorf("marshal options: %w", err)
	}

	query := `
		INSERT INTO exceptions (
			id, evaluation_id, policy_id, pack, exception_type, severity,
			status, fingerprint, key_dimensions, title, context, options,
			namespace, raised_at, resolved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(exception.ID),
		uuid.UUID(exception.EvaluationID),
		uuid.UUID(exception.PolicyID),
		exception.Pack.String(),
		exception.ExceptionType,
		string(exception.Severity),
		string(exception.Status),
		exception.Fingerprint,
		keyDimensions,
		exception.Title,
		exceptionContext,
		options,
		exception.Namespace.String(),
		exception.RaisedAt,
		exception.ResolvedAt,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			existing, findErr := s.findOpenByFingerprint(ctx, exception.Namespace, exception.Fingerprint)
			if findErr != nil {
				return nil, false, fmt.Errorf("fetch open exception after conflict: %w", findErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert exception: %w", err)
	}
	return exception, true, nil
}

func (s *Postgres) FindByID(ctx context.Context, exceptionID id.ExceptionID) (*models.Exception, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectException+` WHERE id = $1`, uuid.UUID(exceptionID))
	return scanException(row)
}

func (s *Postgres) ListOpen(ctx context.Context, namespace id.Namespace) ([]*models.Exception, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		selectException+` WHERE namespace = $1 AND status = 'open' ORDER BY raised_at, id`, namespace.String())
	if err != nil {
		return nil, fmt.Errorf("query open exceptions: %w", err)
	}
	defer rows.Close()
	return scanExceptions(rows)
}

func (s *Postgres) ListByNamespace(ctx context.Context, namespace id.Namespace) ([]*models.Exception, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		selectException+` WHERE namespace = $1 ORDER BY raised_at, id`, namespace.String())
	if err != nil {
		return nil, fmt.Errorf("query exceptions: %w", err)
	}
	defer rows.Close()
	return scanExceptions(rows)
}

// Execute locks one exception FOR UPDATE, validates, mutates, and writes
// the mutable columns back. Must run inside a transaction carried in ctx.
func (s *Postgres) Execute(ctx context.Context, exceptionID id.ExceptionID, validate func(*models.Exception) error, mutate func(*models.Exception)) (*models.Exception, error) {
	execer := s.execer(ctx)

	row := execer.QueryRowContext(ctx, selectException+` WHERE id = $1 FOR UPDATE`, uuid.UUID(exceptionID))
	exception, err := scanException(row)
	if err != nil {
		return nil, err
	}
	if err := validate(exception); err != nil {
		return nil, err
	}
	mutate(exception)

	query := `
		UPDATE exceptions
		SET status = $2, resolved_at = $3
		WHERE id = $1
	`
	_, err = execer.ExecContext(ctx, query,
		uuid.UUID(exception.ID),
		string(exception.Status),
		exception.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update exception: %w", err)
	}
	return exception, nil
}

func (s *Postgres) findOpenByFingerprint(ctx context.Context, namespace id.Namespace, fingerprint string) (*models.Exception, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		selectException+` WHERE namespace = $1 AND fingerprint = $2 AND status = 'open'`,
		namespace.String(), fingerprint)
	return scanException(row)
}

const selectException = `
	SELECT id, evaluation_id, policy_id, pack, exception_type, severity,
	       status, fingerprint, key_dimensions, title, context, options,
	       namespace, raised_at, resolved_at
	FROM exceptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanException(row rowScanner) (*models.Exception, error) {
	var (
		exception        models.Exception
		exceptionID      uuid.UUID
		evaluationID     uuid.UUID
		policyID         uuid.UUID
		pack             string
		severity         string
		status           string
		keyDimensions    []byte
		exceptionContext []byte
		options          []byte
		namespace        string
	)
	err := row.Scan(
		&exceptionID,
		&evaluationID,
		&policyID,
		&pack,
		&exception.ExceptionType,
		&severity,
		&status,
		&exception.Fingerprint,
		&keyDimensions,
		&exception.Title,
		&exceptionContext,
		&options,
		&namespace,
		&exception.RaisedAt,
		&exception.ResolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan exception: %w", err)
	}
	exception.ID = id.ExceptionID(exceptionID)
	exception.EvaluationID = id.EvaluationID(evaluationID)
	exception.PolicyID = id.PolicyID(policyID)
	exception.Pack = id.Pack(pack)
	exception.Severity = id.Severity(severity)
	exception.Status = models.Status(status)
	exception.Namespace = id.Namespace(namespace)
	if err := json.Unmarshal(keyDimensions, &exception.KeyDimensions); err != nil {
		return nil, fmt.Errorf("unmarshal key dimensions: %w", err)
	}
	if err := json.Unmarshal(exceptionContext, &exception.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal(options, &exception.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return &exception, nil
}

func scanExceptions(rows *sql.Rows) ([]*models.Exception, error) {
	var out []*models.Exception
	for rows.Next() {
		exception, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exception)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exceptions: %w", err)
	}
	return out, nil
}
