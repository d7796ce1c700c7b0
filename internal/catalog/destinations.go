package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// DestinationRepository — доступ к таблице destinations.
type DestinationRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Destination, error)
	ListEnabled(ctx context.Context) ([]*model.Destination, error)
	List(ctx context.Context) ([]*model.Destination, error)
}

type destinationRepo struct {
	db DBTX
}

// NewDestinationRepository создаёт репозиторий destinations.
func NewDestinationRepository(db DBTX) DestinationRepository {
	return &destinationRepo{db: db}
}

const destinationColumns = `id, name, ae_title, host, port, tls_policy, enabled, forwarding_rule,
	concurrency_limit, transcode_policy, warning_subcode_key`

func scanDestination(row pgx.Row) (*model.Destination, error) {
	d := &model.Destination{}
	err := row.Scan(&d.ID, &d.Name, &d.CalledAETitle, &d.Host, &d.Port, &d.TLSPolicy, &d.Enabled,
		&d.ForwardingRule, &d.ConcurrencyLimit, &d.TranscodePolicy, &d.WarningSubcodeKey)
	return d, err
}

func (r *destinationRepo) GetByID(ctx context.Context, id int64) (*model.Destination, error) {
	d, err := scanDestination(r.db.QueryRow(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения destination %d: %w", id, err)
	}
	return d, nil
}

func (r *destinationRepo) ListEnabled(ctx context.Context) ([]*model.Destination, error) {
	return r.listWhere(ctx, `WHERE enabled = TRUE`)
}

func (r *destinationRepo) List(ctx context.Context) ([]*model.Destination, error) {
	return r.listWhere(ctx, ``)
}

func (r *destinationRepo) listWhere(ctx context.Context, where string) ([]*model.Destination, error) {
	rows, err := r.db.Query(ctx, `SELECT `+destinationColumns+` FROM destinations `+where+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка destinations: %w", err)
	}
	defer rows.Close()

	var result []*model.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования destination: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
