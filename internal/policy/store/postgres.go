package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keel/internal/policy/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists policy versions. policy_versions carries a unique
// constraint on (policy_id, version_number).
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

func (s *Postgres) Create(ctx context.Context, version *models.PolicyVersion) error {
	rule, err := json.Marshal(version.Rule)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}

	query := `
		INSERT INTO policy_versions (
			id, policy_id, pack, name, version_number, status,
			rule_definition, valid_from, valid_to, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(version.ID),
		uuid.UUID(version.PolicyID),
		version.Pack.String(),
		version.Name,
		version.VersionNumber,
		string(version.Status),
		rule,
		nullTime(version.ValidFrom),
		version.ValidTo,
		version.CreatedAt,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert policy version: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, versionID id.PolicyVersionID) (*models.PolicyVersion, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectVersion+` WHERE id = $1`, uuid.UUID(versionID))
	return scanVersion(row)
}

func (s *Postgres) ListByPolicy(ctx context.Context, policyID id.PolicyID) ([]*models.PolicyVersion, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		selectVersion+` WHERE policy_id = $1 ORDER BY version_number ASC`, uuid.UUID(policyID))
	if err != nil {
		return nil, fmt.Errorf("query policy versions: %w", err)
	}
	defer rows.Close()

	versions, err := scanVersions(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return versions, nil
}

func (s *Postgres) ListActiveByPack(ctx context.Context, pack id.Pack) ([]*models.PolicyVersion, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		selectVersion+` WHERE pack = $1 AND status = 'active' ORDER BY policy_id, version_number`, pack.String())
	if err != nil {
		return nil, fmt.Errorf("query active policy versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// Execute locks one version FOR UPDATE, validates, mutates, and writes the
// mutable columns back. Must run inside a transaction carried in ctx for
// the lock to be meaningful.
func (s *Postgres) Execute(ctx context.Context, versionID id.PolicyVersionID, validate func(*models.PolicyVersion) error, mutate func(*models.PolicyVersion)) (*models.PolicyVersion, error) {
	execer := s.execer(ctx)

	row := execer.QueryRowContext(ctx, selectVersion+` WHERE id = $1 FOR UPDATE`, uuid.UUID(versionID))
	version, err := scanVersion(row)
	if err != nil {
		return nil, err
	}
	if err := validate(version); err != nil {
		return nil, err
	}
	mutate(version)

	query := `
		UPDATE policy_versions
		SET status = $2, valid_from = $3, valid_to = $4
		WHERE id = $1
	`
	_, err = execer.ExecContext(ctx, query,
		uuid.UUID(version.ID),
		string(version.Status),
		nullTime(version.ValidFrom),
		version.ValidTo,
	)
	if err != nil {
		return nil, fmt.Errorf("update policy version: %w", err)
	}
	return version, nil
}

const selectVersion = `
	SELECT id, policy_id, pack, name, version_number, status,
	       rule_definition, valid_from, valid_to, created_at
	FROM policy_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*models.PolicyVersion, error) {
	var (
		version   models.PolicyVersion
		versionID uuid.UUID
		policyID  uuid.UUID
		pack      string
		status    string
		rule      []byte
		validFrom sql.NullTime
	)
	err := row.Scan(
		&versionID,
		&policyID,
		&pack,
		&version.Name,
		&version.VersionNumber,
		&status,
		&rule,
		&validFrom,
		&version.ValidTo,
		&version.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan policy version: %w", err)
	}
	version.ID = id.PolicyVersionID(versionID)
	version.PolicyID = id.PolicyID(policyID)
	version.Pack = id.Pack(pack)
	version.Status = models.Status(status)
	if validFrom.Valid {
		version.ValidFrom = validFrom.Time
	}
	if err := json.Unmarshal(rule, &version.Rule); err != nil {
		return nil, fmt.Errorf("unmarshal rule definition: %w", err)
	}
	return &version, nil
}

func scanVersions(rows *sql.Rows) ([]*models.PolicyVersion, error) {
	var out []*models.PolicyVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy versions: %w", err)
	}
	return out, nil
}

// nullTime maps the zero time (draft versions have no validity window yet)
// to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
