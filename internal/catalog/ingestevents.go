package catalog

import (
	"context"
	"fmt"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// IngestEventRepository — доступ к append-only таблице ingest_events
// (spec §6 "append-only").
type IngestEventRepository interface {
	Append(ctx context.Context, ev *model.IngestEvent) error
}

type ingestEventRepo struct {
	db DBTX
}

// NewIngestEventRepository создаёт репозиторий ingest_events.
func NewIngestEventRepository(db DBTX) IngestEventRepository {
	return &ingestEventRepo{db: db}
}

func (r *ingestEventRepo) Append(ctx context.Context, ev *model.IngestEvent) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO ingest_events (association_id, peer_ae, result, byte_count, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		ev.AssociationID, ev.PeerAE, string(ev.Result), ev.ByteCount, ev.StartedAt, ev.FinishedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи ingest_event для association %s: %w", ev.AssociationID, err)
	}
	return nil
}
