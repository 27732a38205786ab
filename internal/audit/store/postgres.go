package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"keel/internal/audit"
	id "keel/pkg/domain"
	txcontext "keel/pkg/platform/tx"
)

// Postgres persists audit events in the audit_events table. Inserts join the
// caller's transaction when one is carried in context, so an audit row only
// commits together with the mutation it describes.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Append(ctx context.Context, event audit.Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, kind, entity_kind, entity_id, namespace,
			actor, request_id, occurred_at, detail
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(event.ID),
		string(event.Kind),
		event.EntityKind,
		event.EntityID,
		event.Namespace.String(),
		event.Actor,
		event.RequestID,
		event.OccurredAt,
		detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Postgres) ListByEntity(ctx context.Context, entityKind, entityID string) ([]audit.Event, error) {
	query := `
		SELECT id, kind, entity_kind, entity_id, namespace,
		       actor, request_id, occurred_at, detail
		FROM audit_events
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY occurred_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Postgres) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	query := `
		SELECT id, kind, entity_kind, entity_id, namespace,
		       actor, request_id, occurred_at, detail
		FROM audit_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event     audit.Event
			eventID   uuid.UUID
			kind      string
			namespace string
			detail    []byte
		)
		err := rows.Scan(
			&eventID,
			&kind,
			&event.EntityKind,
			&event.EntityID,
			&namespace,
			&event.Actor,
			&event.RequestID,
			&event.OccurredAt,
			&detail,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.ID = id.AuditEventID(eventID)
		event.Kind = audit.Kind(kind)
		event.Namespace = id.Namespace(namespace)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &event.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
