// Пакет model содержит доменные сущности StudyFlowGateway — Study, Series,
// Instance, Destination, ForwardJob, IngestEvent. Эти структуры являются
// прямым отражением таблиц Catalog (см. internal/catalog) и не содержат
// поведения, завязанного на базу данных: репозитории работают с ними как
// с простыми record-типами, а не ORM-объектами.
package model

import "time"

// Instance — один принятый DICOM-объект, идентифицируемый SOP Instance UID.
// Создаётся ровно один раз при первом успешном приёме; после создания
// никогда не изменяется (см. Catalog.AdmitInstance).
type Instance struct {
	InstanceUID       string
	SeriesUID         string
	StudyUID          string
	SOPClassUID       string
	TransferSyntaxUID string
	ByteLength        int64
	ContentHash       string // hex-encoded SHA-256
	StoragePath       string // относительный путь внутри Object Store
	ReceivedAt        time.Time
}
