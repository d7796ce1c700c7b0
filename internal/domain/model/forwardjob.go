package model

import "time"

// JobStatus — состояние ForwardJob в конечном автомате §4.3.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobInProgress     JobStatus = "in_progress"
	JobRetryScheduled JobStatus = "retry_scheduled"
	JobCompleted      JobStatus = "completed"
	JobDeadLetter     JobStatus = "dead_letter"
	JobCanceled       JobStatus = "canceled"
)

// IsTerminal сообщает, покинул ли статус состояние, из которого возможны
// дальнейшие автоматические переходы. {completed, dead_letter, canceled}
// терминальны — из dead_letter job возвращает только явная операторская
// команда Retry; completed и canceled не покидаются.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobDeadLetter, JobCanceled:
		return true
	default:
		return false
	}
}

// ErrorKind — таксономия ошибок §7, единственный словарь, которым
// ForwardJob.LastErrorKind и IngestEvent описывают причину отказа.
type ErrorKind string

const (
	ErrKindValidation          ErrorKind = "validation"
	ErrKindStorageIO           ErrorKind = "storage_io"
	ErrKindCatalogConflict     ErrorKind = "catalog_conflict"
	ErrKindCatalogUnavailable  ErrorKind = "catalog_unavailable"
	ErrKindPeerRejectAssoc     ErrorKind = "peer_reject_association"
	ErrKindPeerRejectContext   ErrorKind = "peer_reject_context"
	ErrKindPeerStatusFailure   ErrorKind = "peer_status_failure"
	ErrKindPeerStatusWarning   ErrorKind = "peer_status_warning"
	ErrKindNetworkTransient    ErrorKind = "network_transient"
	ErrKindLeaseLost           ErrorKind = "lease_lost"
	ErrKindCanceled            ErrorKind = "canceled"
)

// ForwardJob — единица работы Job Queue: доставить один Instance одному
// Destination. На Instance может существовать много ForwardJob (по
// одному на Destination, плюс реплеи).
type ForwardJob struct {
	ID              int64
	InstanceUID     string
	DestinationID   int64
	Status          JobStatus
	Attempts        int
	Priority        int
	NextEligibleAt  time.Time
	LeaseHolder     string // worker id, пусто если не захвачена
	LeaseExpiresAt  *time.Time
	LastErrorKind   ErrorKind
	LastErrorDetail string
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

// Claimable сообщает, может ли строка быть захвачена сейчас — то есть
// соответствует условиям шага 1 операции Claim (§4.3): статус в
// {pending, retry-scheduled}, next_eligible_at достигнут, лизинг не
// активен. now передаётся явно, чтобы функция оставалась чистой и
// тестируемой без реальных часов.
func (j *ForwardJob) Claimable(now time.Time) bool {
	if j.Status != JobPending && j.Status != JobRetryScheduled {
		return false
	}
	if j.NextEligibleAt.After(now) {
		return false
	}
	if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now) {
		return false
	}
	return true
}
