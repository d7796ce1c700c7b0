package queue

import (
	"context"
	"time"

	"github.com/raxjinn/StudyFlowGateway/internal/apierrors"
	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// Queue — фасад Job Queue поверх catalog.ForwardJobRepository,
// добавляющий политику max-attempts и backoff, которая в spec §4.3
// описана отдельно от хранения (Catalog — это только строки таблицы).
type Queue struct {
	jobs        catalog.ForwardJobRepository
	backoff     Backoff
	maxAttempts int
}

// New создаёт Queue над репозиторием ForwardJob Catalog.
func New(jobs catalog.ForwardJobRepository, backoff Backoff, maxAttempts int) *Queue {
	return &Queue{jobs: jobs, backoff: backoff, maxAttempts: maxAttempts}
}

// Claim делегирует в ForwardJobRepository.Claim (spec §4.3 шаг 1-3).
func (q *Queue) Claim(ctx context.Context, workerID string, limit int, leaseDuration time.Duration, now time.Time) ([]*model.ForwardJob, error) {
	return q.jobs.Claim(ctx, workerID, limit, leaseDuration, now)
}

// Complete завершает job успешно.
func (q *Queue) Complete(ctx context.Context, jobID int64, now time.Time) error {
	return q.jobs.Complete(ctx, jobID, now)
}

// Finalize разрешает claimed job по классифицированной ошибке: nil —
// ok; retryable при attempts < maxAttempts — retry-scheduled с backoff
// по номеру попытки; иначе — dead-letter (spec §4.3 "Completion,
// failure, and backoff"). job.Attempts уже учитывает текущую попытку —
// Claim увеличивает счётчик при выдаче лизинга, так что claim и есть
// попытка (spec §4.3 шаг 2, S2).
func (q *Queue) Finalize(ctx context.Context, job *model.ForwardJob, classErr *apierrors.Classified, now time.Time) error {
	if classErr == nil {
		return q.jobs.Complete(ctx, job.ID, now)
	}

	ownLimit := apierrors.RetryLimit(classErr.Kind)
	exhausted := job.Attempts >= q.maxAttempts || (ownLimit > 0 && job.Attempts >= ownLimit)
	if !apierrors.Retryable(classErr.Kind) || exhausted {
		return q.jobs.DeadLetter(ctx, job.ID, classErr.Kind, classErr.Detail, now)
	}

	delay := q.backoff.Duration(job.Attempts)
	return q.jobs.ScheduleRetry(ctx, job.ID, classErr.Kind, classErr.Detail, now.Add(delay))
}

// Heartbeat продлевает лизинг долгой передачи (spec §4.3, §4.5 "Lease
// heartbeat"). Возвращает catalog.ErrLeaseLost, если лизинг уже был
// утрачен — вызывающий код должен прервать передачу.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseDuration time.Duration, now time.Time) error {
	return q.jobs.ExtendLease(ctx, jobID, workerID, leaseDuration, now)
}

// Retry переводит job из dead-letter (или retry-scheduled) обратно в
// pending немедленно, не затрагивая счётчик попыток (операторская
// команда Retry, spec §4.3).
func (q *Queue) Retry(ctx context.Context, jobID int64, now time.Time) error {
	return q.jobs.RetryNow(ctx, jobID, now)
}

// Cancel отменяет один незавершённый job (операторская команда Cancel).
func (q *Queue) Cancel(ctx context.Context, jobID int64, now time.Time) error {
	return q.jobs.Cancel(ctx, jobID, now)
}

// ReleaseOrphanLeases возвращает в pending job'ы с истёкшим лизингом —
// вызывается Supervisor'ом (spec §4.6).
func (q *Queue) ReleaseOrphanLeases(ctx context.Context, now time.Time) (int, error) {
	return q.jobs.ReleaseOrphanLeases(ctx, now)
}
