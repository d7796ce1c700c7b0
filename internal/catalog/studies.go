package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// StudyRepository — доступ к таблице studies.
type StudyRepository interface {
	// LockForUpdate блокирует строку study для последующего обновления
	// счётчиков в рамках текущей транзакции (spec §4.2 "row-level locks
	// ordered (destination, study, series)"). Если строки нет — создаёт её.
	LockForUpdate(ctx context.Context, studyUID string, receivedAt time.Time) (*model.Study, error)
	// ApplyInstanceAdmitted увеличивает счётчики study на один принятый
	// instance заданной длины и продвигает last_received_at.
	ApplyInstanceAdmitted(ctx context.Context, studyUID string, byteLength int64, receivedAt time.Time) error
	GetByUID(ctx context.Context, studyUID string) (*model.Study, error)
}

type studyRepo struct {
	db DBTX
}

// NewStudyRepository создаёт репозиторий studies.
func NewStudyRepository(db DBTX) StudyRepository {
	return &studyRepo{db: db}
}

func (r *studyRepo) LockForUpdate(ctx context.Context, studyUID string, receivedAt time.Time) (*model.Study, error) {
	s := &model.Study{}
	err := r.db.QueryRow(ctx, `
		SELECT study_uid, patient_id, accession, first_received_at, last_received_at, instance_count, byte_count
		FROM studies WHERE study_uid = $1 FOR UPDATE`, studyUID,
	).Scan(&s.StudyUID, &s.PatientID, &s.Accession, &s.FirstReceivedAt, &s.LastReceivedAt, &s.InstanceCount, &s.ByteCount)
	if err == nil {
		return s, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("ошибка блокировки study %s: %w", studyUID, err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO studies (study_uid, first_received_at, last_received_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (study_uid) DO NOTHING`, studyUID, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания study %s: %w", studyUID, err)
	}

	return r.LockForUpdate(ctx, studyUID, receivedAt)
}

func (r *studyRepo) ApplyInstanceAdmitted(ctx context.Context, studyUID string, byteLength int64, receivedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE studies
		SET instance_count = instance_count + 1,
			byte_count = byte_count + $2,
			last_received_at = $3
		WHERE study_uid = $1`, studyUID, byteLength, receivedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления счётчиков study %s: %w", studyUID, err)
	}
	return nil
}

func (r *studyRepo) GetByUID(ctx context.Context, studyUID string) (*model.Study, error) {
	s := &model.Study{}
	err := r.db.QueryRow(ctx, `
		SELECT study_uid, patient_id, accession, first_received_at, last_received_at, instance_count, byte_count
		FROM studies WHERE study_uid = $1`, studyUID,
	).Scan(&s.StudyUID, &s.PatientID, &s.Accession, &s.FirstReceivedAt, &s.LastReceivedAt, &s.InstanceCount, &s.ByteCount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения study %s: %w", studyUID, err)
	}
	return s, nil
}
