package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// SeriesRepository — доступ к таблице series.
type SeriesRepository interface {
	// LockForUpdate блокирует строку series, создавая её при первом
	// instance этой серии (spec "materialized on first instance").
	LockForUpdate(ctx context.Context, seriesUID, studyUID, modality string) (*model.Series, error)
	ApplyInstanceAdmitted(ctx context.Context, seriesUID string) error
	GetByUID(ctx context.Context, seriesUID string) (*model.Series, error)
}

type seriesRepo struct {
	db DBTX
}

// NewSeriesRepository создаёт репозиторий series.
func NewSeriesRepository(db DBTX) SeriesRepository {
	return &seriesRepo{db: db}
}

func (r *seriesRepo) LockForUpdate(ctx context.Context, seriesUID, studyUID, modality string) (*model.Series, error) {
	s := &model.Series{}
	err := r.db.QueryRow(ctx, `
		SELECT series_uid, study_uid, modality, instance_count
		FROM series WHERE series_uid = $1 FOR UPDATE`, seriesUID,
	).Scan(&s.SeriesUID, &s.StudyUID, &s.Modality, &s.InstanceCount)
	if err == nil {
		return s, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("ошибка блокировки series %s: %w", seriesUID, err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO series (series_uid, study_uid, modality)
		VALUES ($1, $2, $3)
		ON CONFLICT (series_uid) DO NOTHING`, seriesUID, studyUID, modality)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания series %s: %w", seriesUID, err)
	}

	return r.LockForUpdate(ctx, seriesUID, studyUID, modality)
}

func (r *seriesRepo) ApplyInstanceAdmitted(ctx context.Context, seriesUID string) error {
	_, err := r.db.Exec(ctx, `UPDATE series SET instance_count = instance_count + 1 WHERE series_uid = $1`, seriesUID)
	if err != nil {
		return fmt.Errorf("ошибка обновления счётчика series %s: %w", seriesUID, err)
	}
	return nil
}

func (r *seriesRepo) GetByUID(ctx context.Context, seriesUID string) (*model.Series, error) {
	s := &model.Series{}
	err := r.db.QueryRow(ctx, `
		SELECT series_uid, study_uid, modality, instance_count
		FROM series WHERE series_uid = $1`, seriesUID,
	).Scan(&s.SeriesUID, &s.StudyUID, &s.Modality, &s.InstanceCount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения series %s: %w", seriesUID, err)
	}
	return s, nil
}
