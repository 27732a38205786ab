package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keel/internal/signal/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/pgerr"
	"keel/pkg/platform/sentinel"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists signals. The signals table carries a unique constraint
// on content_hash; a racing duplicate ingest loses the insert and fetches
// the winner instead.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) execer(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) CreateIfAbsent(ctx context.Context, sig *models.Signal) (*models.Signal, bool, error) {
	payload, err := json.Marshal(sig.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal signal payload: %w", err)
	}

	query := `
		INSERT INTO signals (
			id, pack, signal_type, payload, source, reliability,
			observed_at, ingested_at, content_hash, source_file_hash, row_number
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(sig.ID),
		sig.Pack.String(),
		sig.SignalType,
		payload,
		sig.Source,
		sig.Reliability,
		sig.ObservedAt,
		sig.IngestedAt,
		sig.ContentHash,
		sig.Provenance.SourceFileHash,
		sig.Provenance.RowNumber,
	)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			existing, findErr := s.findByContentHash(ctx, sig.ContentHash)
			if findErr != nil {
				return nil, false, fmt.Errorf("%w: duplicate signal insert and fetch failed: %v", sentinel.ErrConflict, findErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert signal: %w", err)
	}
	return sig, true, nil
}

func (s *Postgres) FindByID(ctx context.Context, signalID id.SignalID) (*models.Signal, error) {
	row := s.db.QueryRowContext(ctx, selectSignal+` WHERE id = $1`, uuid.UUID(signalID))
	return scanSignal(row)
}

func (s *Postgres) ListByIDs(ctx context.Context, ids []id.SignalID) ([]*models.Signal, error) {
	raw := make([]uuid.UUID, len(ids))
	for i, signalID := range ids {
		raw[i] = uuid.UUID(signalID)
	}
	rows, err := s.db.QueryContext(ctx, selectSignal+` WHERE id = ANY($1) ORDER BY observed_at ASC`, raw)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignals(rows)
	if err != nil {
		return nil, err
	}
	if len(signals) != len(ids) {
		return nil, sentinel.ErrNotFound
	}
	return signals, nil
}

func (s *Postgres) ListByPack(ctx context.Context, pack id.Pack, from, to time.Time) ([]*models.Signal, error) {
	query := selectSignal + ` WHERE pack = $1`
	args := []any{pack.String()}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND observed_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND observed_at < $%d`, len(args))
	}
	query += ` ORDER BY observed_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals by pack: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

func (s *Postgres) findByContentHash(ctx context.Context, contentHash string) (*models.Signal, error) {
	row := s.execer(ctx).QueryRowContext(ctx, selectSignal+` WHERE content_hash = $1`, contentHash)
	return scanSignal(row)
}

const selectSignal = `
	SELECT id, pack, signal_type, payload, source, reliability,
	       observed_at, ingested_at, content_hash, source_file_hash, row_number
	FROM signals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*models.Signal, error) {
	var (
		sig      models.Signal
		signalID uuid.UUID
		pack     string
		payload  []byte
	)
	err := row.Scan(
		&signalID,
		&pack,
		&sig.SignalType,
		&payload,
		&sig.Source,
		&sig.Reliability,
		&sig.ObservedAt,
		&sig.IngestedAt,
		&sig.ContentHash,
		&sig.Provenance.SourceFileHash,
		&sig.Provenance.RowNumber,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	sig.ID = id.SignalID(signalID)
	sig.Pack = id.Pack(pack)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &sig.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal signal payload: %w", err)
		}
	}
	return &sig, nil
}

func scanSignals(rows *sql.Rows) ([]*models.Signal, error) {
	var out []*models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}
