package model

import "time"

// IngestResult — итог одной ассоциации/объекта для журнала IngestEvent.
type IngestResult string

const (
	IngestResultSuccess IngestResult = "success"
	IngestResultFailure IngestResult = "failure"
)

// IngestEvent — запись append-only аудита приёма; никогда не изменяется
// и не удаляется core.
type IngestEvent struct {
	ID            int64
	AssociationID string
	PeerAE        string
	Result        IngestResult
	ByteCount     int64
	StartedAt     time.Time
	FinishedAt    time.Time
}
