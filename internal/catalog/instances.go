package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// InstanceRepository — доступ к таблице instances.
type InstanceRepository interface {
	// Insert создаёт строку instance, если она ещё не существует.
	// inserted=false означает, что instance с этим UID уже был принят
	// ранее — вызывающий код не должен увеличивать счётчики study/series
	// повторно (spec §2 "created exactly once on first successful receipt").
	Insert(ctx context.Context, inst *model.Instance) (inserted bool, err error)
	GetByUID(ctx context.Context, instanceUID string) (*model.Instance, error)
}

type instanceRepo struct {
	db DBTX
}

// NewInstanceRepository создаёт репозиторий instances.
func NewInstanceRepository(db DBTX) InstanceRepository {
	return &instanceRepo{db: db}
}

func (r *instanceRepo) Insert(ctx context.Context, inst *model.Instance) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO instances (instance_uid, series_uid, study_uid, sop_class_uid,
			transfer_syntax_uid, byte_length, content_hash, storage_path, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instance_uid) DO NOTHING`,
		inst.InstanceUID, inst.SeriesUID, inst.StudyUID, inst.SOPClassUID,
		inst.TransferSyntaxUID, inst.ByteLength, inst.ContentHash, inst.StoragePath, inst.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка вставки instance %s: %w", inst.InstanceUID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *instanceRepo) GetByUID(ctx context.Context, instanceUID string) (*model.Instance, error) {
	inst := &model.Instance{}
	err := r.db.QueryRow(ctx, `
		SELECT instance_uid, series_uid, study_uid, sop_class_uid, transfer_syntax_uid,
			byte_length, content_hash, storage_path, received_at
		FROM instances WHERE instance_uid = $1`, instanceUID,
	).Scan(&inst.InstanceUID, &inst.SeriesUID, &inst.StudyUID, &inst.SOPClassUID, &inst.TransferSyntaxUID,
		&inst.ByteLength, &inst.ContentHash, &inst.StoragePath, &inst.ReceivedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения instance %s: %w", instanceUID, err)
	}
	return inst, nil
}

// ListByStudyUID возвращает все instance'ы study — используется
// оператором Replay для воссоздания ForwardJob по каждому существующему
// instance (spec §4.3 "Replay").
func ListByStudyUID(ctx context.Context, db DBTX, studyUID string) ([]*model.Instance, error) {
	rows, err := db.Query(ctx, `
		SELECT instance_uid, series_uid, study_uid, sop_class_uid, transfer_syntax_uid,
			byte_length, content_hash, storage_path, received_at
		FROM instances WHERE study_uid = $1`, studyUID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки instances study %s: %w", studyUID, err)
	}
	defer rows.Close()

	var result []*model.Instance
	for rows.Next() {
		inst := &model.Instance{}
		if err := rows.Scan(&inst.InstanceUID, &inst.SeriesUID, &inst.StudyUID, &inst.SOPClassUID, &inst.TransferSyntaxUID,
			&inst.ByteLength, &inst.ContentHash, &inst.StoragePath, &inst.ReceivedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}
