// Пакет receiver реализует Receiver (spec §4.4): терминирует входящие
// DICOM-ассоциации на заданном порту и AE title, валидирует
// presentation contexts, потоково сохраняет каждый переданный объект в
// Object Store с сохранением байт (включая preamble и "DICM"), и при
// успехе проводит Admit в Catalog и постановку ForwardJob в очередь.
// Грубая структура сервиса — storage-element/internal/service/upload.go
// (allocate → stream → verify → publish → indexed метаданные), адаптированная
// к DICOM-ассоциации вместо HTTP multipart-запроса.
package receiver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/dicomwire"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
	"github.com/raxjinn/StudyFlowGateway/internal/objectstore"
)

// CatalogPort — подмножество *catalog.Catalog, которое нужно Receiver'у.
// Выделено интерфейсом, чтобы сервис был тестируем без реальной базы
// (см. receiver_test.go).
type CatalogPort interface {
	AdmitInstance(ctx context.Context, inst *model.Instance, modality string) (*catalog.AdmitResult, error)
	MatchingDestinations(ctx context.Context, inst *model.Instance, modality, calledAE string) ([]*model.Destination, error)
	EnqueueForwardJobs(ctx context.Context, instanceUID string, destinationIDs []int64, priority int, now time.Time) (created int, err error)
	Events() catalog.IngestEventRepository
}

// Notifier уведомляет Forwarder о появлении новой работы сразу после
// постановки ForwardJob в очередь (spec §4.3 "Wakeup"). Реализуется
// обёрткой над queue.Publish в точке сборки процесса.
type Notifier interface {
	Publish(ctx context.Context) error
}

// Service — Receiver: логика одной ассоциации и одного C-STORE запроса,
// без сетевого accept-loop'а (см. Server).
type Service struct {
	store    *objectstore.Store
	catalog  CatalogPort
	notifier Notifier
	policy   *storagePolicy
	logger   *slog.Logger

	aeTitle string
}

// Config — параметры, нужные Service помимо зависимостей.
type Config struct {
	AETitle                   string
	SupportedTransferSyntaxes []string
}

// New создаёт Service Receiver'а.
func New(store *objectstore.Store, cat CatalogPort, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	ts := cfg.SupportedTransferSyntaxes
	if len(ts) == 0 {
		ts = SupportedTransferSyntaxes
	}
	return &Service{
		store:    store,
		catalog:  cat,
		notifier: notifier,
		policy:   newStoragePolicy(cfg.AETitle, ts),
		logger:   logger.With(slog.String("component", "receiver")),
		aeTitle:  cfg.AETitle,
	}
}

// HandleAssociation обслуживает одну принятую ассоциацию от accept()
// до её закрытия peer'ом или ошибки — association-request → negotiate
// → accept/reject → цикл C-ECHO/C-STORE (spec §4.4).
func (s *Service) HandleAssociation(ctx context.Context, conn net.Conn) {
	associationID := uuid.New().String()
	logger := s.logger.With(slog.String("association_id", associationID))

	assoc, err := dicomwire.AcceptAssociation(ctx, conn, s.policy)
	if err != nil {
		logger.Warn("ассоциация не установлена", slog.String("error", err.Error()))
		return
	}
	associationsTotal.Inc()
	logger = logger.With(slog.String("peer_ae", assoc.CallingAE))
	logger.Info("ассоциация установлена")
	defer assoc.Close()

	for {
		req, err := assoc.NextRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("ассоциация завершена с ошибкой", slog.String("error", err.Error()))
			} else {
				logger.Info("ассоциация завершена peer'ом")
			}
			return
		}
		s.handleCStore(ctx, assoc.CallingAE, associationID, req, logger)
	}
}

// handleCStore реализует приём одного объекта: allocate scratch →
// stream с проверкой preamble → fsync+rename publish → Admit в Catalog
// → постановка ForwardJob → ответ peer'у (spec §4.4 шаги приёма).
func (s *Service) handleCStore(ctx context.Context, peerAE, associationID string, req *dicomwire.IncomingCStore, logger *slog.Logger) {
	start := time.Now()
	header := req.Header
	logger = logger.With(slog.String("sop_instance_uid", header.SOPInstanceUID))

	reject := func(status uint16, reason, detail string) {
		objectsRejectedTotal.WithLabelValues(reason).Inc()
		logger.Error("объект отклонён", slog.String("reason", reason), slog.String("detail", detail))
		if err := req.Respond(status, detail); err != nil {
			logger.Warn("не удалось отправить ответ об отказе", slog.String("error", err.Error()))
		}
		s.appendEvent(ctx, associationID, peerAE, model.IngestResultFailure, header.ByteLength, start, logger)
	}

	br := bufio.NewReader(req.Data)

	preamble, err := objectstore.NewPreambleReader(br)
	if err != nil {
		drainRemainder(br, logger)
		reject(dicomwire.StatusCodeDataSetDoesNotMatchSOP, "invalid_preamble", err.Error())
		return
	}

	f, scratchPath, err := s.store.BeginScratch()
	if err != nil {
		drainRemainder(preamble.Reader(), logger)
		reject(dicomwire.StatusCodeProcessingFailure, "scratch_allocate", err.Error())
		return
	}

	size, hash, err := objectstore.StreamPreambleToScratch(f, preamble.Prefix(), preamble.Reader())
	if err != nil {
		f.Close()
		_ = objectstore.AbortScratch(scratchPath)
		drainRemainder(preamble.Reader(), logger)
		reject(dicomwire.StatusCodeProcessingFailure, "stream_write", err.Error())
		return
	}
	if size != header.ByteLength {
		f.Close()
		_ = objectstore.AbortScratch(scratchPath)
		reject(dicomwire.StatusCodeProcessingFailure, "length_mismatch",
			fmt.Sprintf("ожидалось %d байт, получено %d", header.ByteLength, size))
		return
	}

	result, err := s.store.Publish(f, scratchPath, header.StudyInstanceUID, header.SeriesInstanceUID, header.SOPInstanceUID, size, hash)
	if err != nil {
		if errors.Is(err, objectstore.ErrHashMismatch) {
			reject(dicomwire.StatusCodeDataSetDoesNotMatchSOP, "content_collision",
				"instance UID уже существует с другим содержимым")
			return
		}
		reject(dicomwire.StatusCodeProcessingFailure, "publish", err.Error())
		return
	}

	now := time.Now().UTC()
	inst := &model.Instance{
		InstanceUID:       header.SOPInstanceUID,
		SeriesUID:         header.SeriesInstanceUID,
		StudyUID:          header.StudyInstanceUID,
		SOPClassUID:       header.SOPClassUID,
		TransferSyntaxUID: header.TransferSyntaxUID,
		ByteLength:        result.ByteLength,
		ContentHash:       result.ContentHash,
		StoragePath:       result.StoragePath,
		ReceivedAt:        now,
	}

	admitResult, err := s.catalog.AdmitInstance(ctx, inst, header.Modality)
	if err != nil {
		reject(dicomwire.StatusCodeProcessingFailure, "catalog_admit", err.Error())
		return
	}

	if admitResult.Inserted {
		s.enqueueForwardJobs(ctx, admitResult, header, peerAE, logger)
	} else {
		logger.Info("повторный приём того же instance, идемпотентный успех")
	}

	s.appendEvent(ctx, associationID, peerAE, model.IngestResultSuccess, size, start, logger)

	if err := req.Respond(dicomwire.StatusCodeSuccess, ""); err != nil {
		logger.Warn("не удалось отправить успешный ответ C-STORE", slog.String("error", err.Error()))
		return
	}

	objectsReceivedTotal.Inc()
	bytesReceivedTotal.Add(float64(size))
	receiveDurationSeconds.Observe(time.Since(start).Seconds())
}

// enqueueForwardJobs находит подходящие destinations и ставит по одному
// ForwardJob на каждый — только для впервые принятых instance (spec §2
// "no duplicate forward jobs" на повторный приём).
func (s *Service) enqueueForwardJobs(ctx context.Context, admitResult *catalog.AdmitResult, header dicomwire.CStoreHeader, peerAE string, logger *slog.Logger) {
	dests, err := s.catalog.MatchingDestinations(ctx, admitResult.Instance, header.Modality, peerAE)
	if err != nil {
		logger.Error("ошибка определения destinations для маршрутизации", slog.String("error", err.Error()))
		return
	}
	if len(dests) == 0 {
		return
	}

	destIDs := make([]int64, len(dests))
	for i, d := range dests {
		destIDs[i] = d.ID
	}

	created, err := s.catalog.EnqueueForwardJobs(ctx, admitResult.Instance.InstanceUID, destIDs, 0, time.Now().UTC())
	if err != nil {
		logger.Error("ошибка постановки forward job в очередь", slog.String("error", err.Error()))
		return
	}
	if created == 0 {
		return
	}

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx); err != nil {
			logger.Warn("ошибка публикации NOTIFY о новой работе", slog.String("error", err.Error()))
		}
	}
}

// drainRemainder читает и отбрасывает оставшиеся байты объекта,
// которые не были потреблены до отказа. req.Data ограничен
// io.LimitReader'ом по ByteLength (association.go) — не дочитав его до
// конца, следующий NextRequest() начнёт парсить PDU-заголовок с
// середины недопринятого объекта и desync'ирует ассоциацию. Ассоциация
// при единичном отказе не закрывается (spec §4.4), поэтому границу
// объекта нужно восстановить сквозным чтением.
func drainRemainder(r io.Reader, logger *slog.Logger) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		logger.Warn("не удалось дочитать остаток отклонённого объекта", slog.String("error", err.Error()))
	}
}

func (s *Service) appendEvent(ctx context.Context, associationID, peerAE string, result model.IngestResult, byteCount int64, start time.Time, logger *slog.Logger) {
	ev := &model.IngestEvent{
		AssociationID: associationID,
		PeerAE:        peerAE,
		Result:        result,
		ByteCount:     byteCount,
		StartedAt:     start,
		FinishedAt:    time.Now().UTC(),
	}
	if err := s.catalog.Events().Append(ctx, ev); err != nil {
		logger.Error("ошибка записи ingest_event", slog.String("error", err.Error()))
	}
}
