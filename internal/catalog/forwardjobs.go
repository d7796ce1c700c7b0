package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// ForwardJobRepository — доступ к таблице forward_jobs, реализующей
// durable-очередь (spec §4.3).
type ForwardJobRepository interface {
	// Insert создаёт новый ForwardJob в статусе pending. Если для пары
	// (instance, destination) уже существует активный job (pending,
	// in_progress, retry_scheduled), вставка идемпотентно пропускается
	// (spec §2 "no duplicate forward jobs ... unless explicitly replayed").
	Insert(ctx context.Context, instanceUID string, destinationID int64, priority int, now time.Time) (inserted bool, err error)
	// Claim выбирает до limit job'ов, готовых к обработке (статус pending
	// или retry_scheduled с next_eligible_at <= now), блокируя их через
	// SELECT ... FOR UPDATE SKIP LOCKED, сразу присваивая лизинг данному
	// worker'у и увеличивая attempts — claim и есть попытка (spec §4.3
	// шаг 1-2).
	Claim(ctx context.Context, workerID string, limit int, leaseDuration time.Duration, now time.Time) ([]*model.ForwardJob, error)
	// ExtendLease продлевает лизинг долгой передачи без смены статуса
	// (heartbeat Worker'а через Queue.Heartbeat).
	ExtendLease(ctx context.Context, jobID int64, workerID string, leaseDuration time.Duration, now time.Time) error
	// Complete переводит job в completed.
	Complete(ctx context.Context, jobID int64, now time.Time) error
	// ScheduleRetry переводит job в retry_scheduled с новым
	// next_eligible_at (счётчик попыток уже увеличен при Claim).
	ScheduleRetry(ctx context.Context, jobID int64, errKind model.ErrorKind, errDetail string, nextEligibleAt time.Time) error
	// DeadLetter переводит job в терминальный dead_letter (счётчик
	// попыток уже увеличен при Claim).
	DeadLetter(ctx context.Context, jobID int64, errKind model.ErrorKind, errDetail string, now time.Time) error
	// Cancel переводит незавершённый job в canceled (операторская команда).
	Cancel(ctx context.Context, jobID int64, now time.Time) error
	// RetryNow сбрасывает next_eligible_at job'а в dead_letter или
	// retry_scheduled на "немедленно" и возвращает его в pending
	// (операторская команда Retry, spec §4.3).
	RetryNow(ctx context.Context, jobID int64, now time.Time) error
	GetByID(ctx context.Context, jobID int64) (*model.ForwardJob, error)
	// ReleaseOrphanLeases возвращает в pending job'ы in_progress, чей
	// лизинг истёк без heartbeat (воркер упал) — используется Supervisor
	// (spec §4.6).
	ReleaseOrphanLeases(ctx context.Context, now time.Time) (int, error)
}

type forwardJobRepo struct {
	db DBTX
}

// NewForwardJobRepository создаёт репозиторий forward_jobs.
func NewForwardJobRepository(db DBTX) ForwardJobRepository {
	return &forwardJobRepo{db: db}
}

const forwardJobColumns = `id, instance_uid, destination_id, status, attempts, priority,
	next_eligible_at, lease_holder, lease_expires_at, last_error_kind, last_error_detail,
	created_at, finished_at`

func scanForwardJob(row pgx.Row) (*model.ForwardJob, error) {
	j := &model.ForwardJob{}
	var status string
	err := row.Scan(&j.ID, &j.InstanceUID, &j.DestinationID, &status, &j.Attempts, &j.Priority,
		&j.NextEligibleAt, &j.LeaseHolder, &j.LeaseExpiresAt, &j.LastErrorKind, &j.LastErrorDetail,
		&j.CreatedAt, &j.FinishedAt)
	j.Status = model.JobStatus(status)
	return j, err
}

func (r *forwardJobRepo) Insert(ctx context.Context, instanceUID string, destinationID int64, priority int, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO forward_jobs (instance_uid, destination_id, status, priority, next_eligible_at, created_at)
		VALUES ($1, $2, 'pending', $3, $4, $4)
		ON CONFLICT (instance_uid, destination_id)
		WHERE status IN ('pending', 'in_progress', 'retry_scheduled')
		DO NOTHING`,
		instanceUID, destinationID, priority, now)
	if err != nil {
		// Партиционный unique index означает idempotent-пропуск при
		// конкурентной вставке того же активного job'а (spec §2).
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка создания forward_job instance=%s destination=%d: %w", instanceUID, destinationID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *forwardJobRepo) Claim(ctx context.Context, workerID string, limit int, leaseDuration time.Duration, now time.Time) ([]*model.ForwardJob, error) {
	leaseExpiresAt := now.Add(leaseDuration)

	rows, err := r.db.Query(ctx, `
		UPDATE forward_jobs
		SET status = 'in_progress', lease_holder = $1, lease_expires_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM forward_jobs
			WHERE status IN ('pending', 'retry_scheduled') AND next_eligible_at <= $3
			ORDER BY priority DESC, next_eligible_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING `+forwardJobColumns,
		workerID, leaseExpiresAt, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка claim forward_jobs: %w", err)
	}
	defer rows.Close()

	var result []*model.ForwardJob
	for rows.Next() {
		j, err := scanForwardJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования claimed job: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (r *forwardJobRepo) ExtendLease(ctx context.Context, jobID int64, workerID string, leaseDuration time.Duration, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs SET lease_expires_at = $3
		WHERE id = $1 AND lease_holder = $2 AND status = 'in_progress'`,
		jobID, workerID, now.Add(leaseDuration))
	if err != nil {
		return fmt.Errorf("ошибка продления лизинга job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d не удерживается worker'ом %s", ErrLeaseLost, jobID, workerID)
	}
	return nil
}

func (r *forwardJobRepo) Complete(ctx context.Context, jobID int64, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs SET status = 'completed', finished_at = $2, lease_holder = '', lease_expires_at = NULL
		WHERE id = $1`, jobID, now)
	if err != nil {
		return fmt.Errorf("ошибка завершения job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *forwardJobRepo) ScheduleRetry(ctx context.Context, jobID int64, errKind model.ErrorKind, errDetail string, nextEligibleAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'retry_scheduled', next_eligible_at = $2,
			last_error_kind = $3, last_error_detail = $4, lease_holder = '', lease_expires_at = NULL
		WHERE id = $1`, jobID, nextEligibleAt, string(errKind), errDetail)
	if err != nil {
		return fmt.Errorf("ошибка планирования повтора job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *forwardJobRepo) DeadLetter(ctx context.Context, jobID int64, errKind model.ErrorKind, errDetail string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'dead_letter', finished_at = $2,
			last_error_kind = $3, last_error_detail = $4, lease_holder = '', lease_expires_at = NULL
		WHERE id = $1`, jobID, now, string(errKind), errDetail)
	if err != nil {
		return fmt.Errorf("ошибка dead-letter job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *forwardJobRepo) Cancel(ctx context.Context, jobID int64, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'canceled', finished_at = $2, lease_holder = '', lease_expires_at = NULL
		WHERE id = $1 AND status NOT IN ('completed', 'dead_letter', 'canceled')`, jobID, now)
	if err != nil {
		return fmt.Errorf("ошибка отмены job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *forwardJobRepo) RetryNow(ctx context.Context, jobID int64, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'pending', next_eligible_at = $2, finished_at = NULL
		WHERE id = $1 AND status IN ('dead_letter', 'retry_scheduled')`, jobID, now)
	if err != nil {
		return fmt.Errorf("ошибка Retry job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *forwardJobRepo) GetByID(ctx context.Context, jobID int64) (*model.ForwardJob, error) {
	j, err := scanForwardJob(r.db.QueryRow(ctx, `SELECT `+forwardJobColumns+` FROM forward_jobs WHERE id = $1`, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения job %d: %w", jobID, err)
	}
	return j, nil
}

func (r *forwardJobRepo) ReleaseOrphanLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'pending', lease_holder = '', lease_expires_at = NULL
		WHERE status = 'in_progress' AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка освобождения orphan-лизингов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
