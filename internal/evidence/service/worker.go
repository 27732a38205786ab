package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"keel/internal/audit"
	id "keel/pkg/domain"
)

// Worker generates evidence packs in the background by watching the
// audit stream for recorded decisions. Generation is idempotent, so a
// worker restart or a duplicate event costs one lookup, never a second
// pack.
type Worker struct {
	svc    *Service
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(svc *Service, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{svc: svc, inbox: inbox, logger: logger}
}

// Run consumes decision events until the context ends or the inbox
// closes. Generation failures are logged and skipped; the pack can
// always be generated on demand later.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.inbox:
			if !ok {
				return
			}
			if event.Kind != audit.KindDecisionRecorded {
				continue
			}
			decisionUUID, err := uuid.Parse(event.EntityID)
			if err != nil {
				w.logger.Warn("skipping decision event with malformed entity id",
					"entity_id", event.EntityID)
				continue
			}
			if _, err := w.svc.Generate(ctx, id.DecisionID(decisionUUID)); err != nil {
				w.logger.Error("background evidence generation failed",
					"decision_id", event.EntityID,
					"error", err)
			}
		}
	}
}
