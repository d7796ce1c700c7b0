package model

import "time"

// Study — исследование, материализуется при первом принятом Instance.
// Счётчики (InstanceCount, ByteCount) и временные границы
// (FirstReceivedAt/LastReceivedAt) только продвигаются вперёд.
type Study struct {
	StudyUID        string
	PatientID       string // опаковый идентификатор пациента
	Accession       string
	FirstReceivedAt time.Time
	LastReceivedAt  time.Time
	InstanceCount   int64
	ByteCount       int64
}

// AggregateStatus — производный статус исследования: все ForwardJob'ы
// всех его Instance достигли терминального состояния или нет. Core не
// хранит отдельную запись "study failed" (см. spec §7).
type AggregateStatus string

const (
	AggregateInFlight AggregateStatus = "in_flight"
	AggregateSettled  AggregateStatus = "settled"
)
