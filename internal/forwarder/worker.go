// Пакет forwarder реализует Forwarder (spec §4.5): забирает ForwardJob
// из Job Queue, устанавливает или повторно использует DICOM-ассоциацию
// с назначенным destination, передаёт объект без транскодирования и
// разрешает job по классифицированному результату. Общая форма цикла
// claim → process → finalize с heartbeat продления лизинга —
// storage-element/internal/service/upload.go (аллокация →
// стриминг → проверка) и gc.go (фоновый цикл с тикером), адаптированные
// к работе над durable-очередью вместо HTTP-запроса и файловой системы.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/raxjinn/StudyFlowGateway/internal/apierrors"
	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/dicomwire"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// QueuePort — подмножество *queue.Queue, которое нужно Forwarder'у.
// Выделено интерфейсом для тестирования без реальной базы.
type QueuePort interface {
	Claim(ctx context.Context, workerID string, limit int, leaseDuration time.Duration, now time.Time) ([]*model.ForwardJob, error)
	Finalize(ctx context.Context, job *model.ForwardJob, classErr *apierrors.Classified, now time.Time) error
	Heartbeat(ctx context.Context, jobID int64, workerID string, leaseDuration time.Duration, now time.Time) error
}

// InstanceGetter — доступ к instance, нужный Forwarder'у для получения
// SOP class/transfer syntax/storage path по InstanceUID job'а.
type InstanceGetter interface {
	GetByUID(ctx context.Context, instanceUID string) (*model.Instance, error)
}

// StudyGetter и SeriesGetter нужны только для side-copy метаданных
// (PatientID/Accession/Modality) в CStoreHeader — см. package doc
// internal/dicomwire/pdu.go.
type StudyGetter interface {
	GetByUID(ctx context.Context, studyUID string) (*model.Study, error)
}

type SeriesGetter interface {
	GetByUID(ctx context.Context, seriesUID string) (*model.Series, error)
}

// DestinationGetter — доступ к destination, нужный Forwarder'у для
// адреса, AE title и политик destination.
type DestinationGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Destination, error)
}

// ObjectReader — доступ к опубликованным байтам объекта; реализуется
// *objectstore.Store. Сигнатура Read зафиксирована как у Store (а не
// через io.ReadCloser), поскольку Go требует точного совпадения
// сигнатур методов при структурной реализации интерфейса.
type ObjectReader interface {
	Read(studyUID, seriesUID, instanceUID string) (*os.File, error)
}

// Config — параметры, нужные Worker'у помимо зависимостей.
type Config struct {
	WorkerID          string
	CallingAETitle    string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	AssociationCache  int
	IdleTimeout       time.Duration

	// PacingRate — скорость выдачи job'ов на один destination в
	// обычном режиме, events/sec. 0 — без ограничения.
	PacingRate float64
	// PacingSaturatedRate — скорость, до которой Worker снижает выдачу
	// на destination сразу после ответа "refused: out of resources"
	// (0xA7xx), вместо повторного опроса на полной скорости. 0 — 1/сек.
	PacingSaturatedRate float64
	// PacingBurst — допустимый всплеск сверх PacingRate. 0 — 1.
	PacingBurst int
}

// Worker — Forwarder: цикл claim → process → finalize одного процесса.
// Несколько job'ов одного вызова RunOnce обрабатываются конкурентно,
// ограничиваясь per-destination concurrency_limit'ом (spec §4.5
// "per-destination concurrency").
type Worker struct {
	id                string
	callingAE         string
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	queue        QueuePort
	destinations DestinationGetter
	instances    InstanceGetter
	studies      StudyGetter
	series       SeriesGetter
	store        ObjectReader

	pool *associationPool

	sems   map[int64]*semaphore.Weighted
	semsMu sync.Mutex

	lims                map[int64]*rate.Limiter
	limsMu              sync.Mutex
	pacingRate          rate.Limit
	pacingSaturatedRate rate.Limit
	pacingBurst         int

	logger *slog.Logger
}

// NewWorker создаёт Worker.
func NewWorker(queue QueuePort, destinations DestinationGetter, instances InstanceGetter, studies StudyGetter,
	series SeriesGetter, store ObjectReader, cfg Config, logger *slog.Logger) *Worker {
	size := cfg.AssociationCache
	if size <= 0 {
		size = 64
	}
	pacingRate := rate.Inf
	if cfg.PacingRate > 0 {
		pacingRate = rate.Limit(cfg.PacingRate)
	}
	pacingSaturatedRate := rate.Limit(1)
	if cfg.PacingSaturatedRate > 0 {
		pacingSaturatedRate = rate.Limit(cfg.PacingSaturatedRate)
	}
	pacingBurst := cfg.PacingBurst
	if pacingBurst <= 0 {
		pacingBurst = 1
	}
	logger = logger.With(slog.String("component", "forwarder"), slog.String("worker_id", cfg.WorkerID))
	return &Worker{
		id:                  cfg.WorkerID,
		callingAE:           cfg.CallingAETitle,
		leaseDuration:       cfg.LeaseDuration,
		heartbeatInterval:   cfg.HeartbeatInterval,
		idleTimeout:         cfg.IdleTimeout,
		queue:               queue,
		destinations:        destinations,
		instances:           instances,
		studies:             studies,
		series:              series,
		store:               store,
		pool:                newAssociationPool(size, logger),
		sems:                make(map[int64]*semaphore.Weighted),
		lims:                make(map[int64]*rate.Limiter),
		pacingRate:          pacingRate,
		pacingSaturatedRate: pacingSaturatedRate,
		pacingBurst:         pacingBurst,
		logger:              logger,
	}
}

// Run выполняет цикл RunOnce по таймеру poll-а и по подсказкам
// wakeups, пока ctx не отменён — LISTEN/NOTIFY не гарантирует
// доставку, поэтому опрос по таймеру продолжается независимо
// (spec §4.3 "Wakeup").
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration, sweepInterval time.Duration, batchSize int, wakeups <-chan struct{}) {
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.pool.closeAll()
			return
		case <-pollTicker.C:
		case <-wakeups:
		case <-sweepTicker.C:
			w.pool.sweepIdle(w.idleTimeout)
			continue
		}

		// Начатый пакет доводится до конца и после отмены ctx: отмена
		// лишь прекращает новые claim'ы.
		if _, err := w.RunOnce(context.WithoutCancel(ctx), batchSize); err != nil {
			w.logger.Error("ошибка цикла claim", slog.String("error", err.Error()))
		}
	}
}

// RunOnce захватывает до batchSize job'ов и обрабатывает их
// конкурентно, ожидая завершения всех перед возвратом — используется
// как напрямую тестами, так и из Run.
func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.id, batchSize, w.leaseDuration, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ошибка claim forward_jobs: %w", err)
	}
	jobsClaimedTotal.Add(float64(len(jobs)))

	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processJob(ctx, job)
		}()
	}
	wg.Wait()
	return len(jobs), nil
}

func (w *Worker) semaphoreFor(destID int64, limit int) *semaphore.Weighted {
	if limit <= 0 {
		limit = 1
	}
	w.semsMu.Lock()
	defer w.semsMu.Unlock()
	sem, ok := w.sems[destID]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		w.sems[destID] = sem
	}
	return sem
}

// limiterFor возвращает (создавая при первом обращении) rate.Limiter
// конкретного destination'а, стартующий на полной pacingRate.
func (w *Worker) limiterFor(destID int64) *rate.Limiter {
	w.limsMu.Lock()
	defer w.limsMu.Unlock()
	lim, ok := w.lims[destID]
	if !ok {
		lim = rate.NewLimiter(w.pacingRate, w.pacingBurst)
		w.lims[destID] = lim
	}
	return lim
}

// throttle снижает скорость выдачи к destination'у после ответа
// "refused: out of resources" — вместо повторного опроса на полной
// скорости следующие попытки к этому destination'у придерживаются
// pacingSaturatedRate, пока не пройдёт успешная передача.
func (w *Worker) throttle(destID int64) {
	w.limiterFor(destID).SetLimit(w.pacingSaturatedRate)
}

// restore возвращает destination'у полную скорость выдачи после
// успешной передачи.
func (w *Worker) restore(destID int64) {
	w.limiterFor(destID).SetLimit(w.pacingRate)
}

// processJob доставляет один ForwardJob целиком: резолвит destination
// и instance, ограничивает конкурентность, передаёт объект, и разрешает
// job через Queue.Finalize (spec §4.3, §4.5).
func (w *Worker) processJob(ctx context.Context, job *model.ForwardJob) {
	logger := w.logger.With(slog.Int64("job_id", job.ID), slog.String("instance_uid", job.InstanceUID))

	dest, err := w.destinations.GetByID(ctx, job.DestinationID)
	if err != nil {
		w.finalize(ctx, job, classifyTransferError(err, nil), logger)
		return
	}
	logger = logger.With(slog.String("destination", dest.Name))

	if err := w.limiterFor(dest.ID).Wait(ctx); err != nil {
		return // ctx отменён вышестоящим shutdown'ом — job останется claimed до orphan sweep
	}

	sem := w.semaphoreFor(dest.ID, dest.ConcurrencyLimit)
	if err := sem.Acquire(ctx, 1); err != nil {
		return // ctx отменён вышестоящим shutdown'ом — job останется claimed до orphan sweep
	}
	defer sem.Release(1)

	start := time.Now()

	transferCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost boolFlag
	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		w.heartbeatLoop(transferCtx, cancel, job.ID, &leaseLost, logger)
	}()

	classErr := w.transfer(transferCtx, job, dest, logger)
	cancel()
	hbWg.Wait()

	transferDurationSeconds.Observe(time.Since(start).Seconds())

	if leaseLost.get() {
		logger.Warn("лизинг job'а утрачен во время передачи, finalize не выполняется")
		return
	}

	// network_transient покрывает как сетевые сбои, так и "refused: out
	// of resources" (classifyPeerStatus) — в обоих случаях destination
	// временно перегружен, и имеет смысл снизить темп опроса вместо
	// немедленного повтора на полной скорости (spec §4.5, пакет
	// golang.org/x/time/rate).
	if classErr == nil {
		w.restore(dest.ID)
	} else if classErr.Kind == model.ErrKindNetworkTransient {
		w.throttle(dest.ID)
		logger.Warn("destination временно перегружен, снижаем темп опроса", slog.Float64("rate_per_sec", float64(w.pacingSaturatedRate)))
	}

	w.finalize(ctx, job, classErr, logger)
}

// boolFlag — потокобезопасный флаг без дополнительной зависимости от
// sync/atomic.Bool (совместим со старыми версиями Go, как в остальном
// коде этого пакета).
type boolFlag struct {
	mu  sync.Mutex
	val bool
}

func (f *boolFlag) set(v bool) {
	f.mu.Lock()
	f.val = v
	f.mu.Unlock()
}

func (f *boolFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val
}

func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID int64, leaseLost *boolFlag, logger *slog.Logger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID, w.id, w.leaseDuration, time.Now().UTC()); err != nil {
				if errors.Is(err, catalog.ErrLeaseLost) {
					leaseLost.set(true)
				} else {
					logger.Warn("ошибка heartbeat лизинга", slog.String("error", err.Error()))
				}
				cancel()
				return
			}
		}
	}
}

// transfer резолвит instance/study/series, устанавливает или повторно
// использует ассоциацию и передаёт объект — возвращает nil при
// success/warning, иначе классифицированную ошибку (spec §4.5).
func (w *Worker) transfer(ctx context.Context, job *model.ForwardJob, dest *model.Destination, logger *slog.Logger) *apierrors.Classified {
	inst, err := w.instances.GetByUID(ctx, job.InstanceUID)
	if err != nil {
		return classifyTransferError(err, dest)
	}
	study, err := w.studies.GetByUID(ctx, inst.StudyUID)
	if err != nil {
		return classifyTransferError(err, dest)
	}
	series, err := w.series.GetByUID(ctx, inst.SeriesUID)
	if err != nil {
		return classifyTransferError(err, dest)
	}

	f, err := w.store.Read(inst.StudyUID, inst.SeriesUID, inst.InstanceUID)
	if err != nil {
		return classifyTransferError(err, dest)
	}
	defer f.Close()

	assoc, err := w.pool.checkout(ctx, dest, w.callingAE, inst.SOPClassUID, inst.TransferSyntaxUID)
	if err != nil {
		return classifyTransferError(err, dest)
	}

	header := dicomwire.CStoreHeader{
		SOPClassUID:       inst.SOPClassUID,
		SOPInstanceUID:    inst.InstanceUID,
		StudyInstanceUID:  inst.StudyUID,
		SeriesInstanceUID: inst.SeriesUID,
		Modality:          series.Modality,
		PatientID:         study.PatientID,
		Accession:         study.Accession,
		ByteLength:        inst.ByteLength,
	}

	resp, err := assoc.SendCStore(header, f)
	if err != nil {
		assoc.Close()
		return classifyTransferError(err, dest)
	}

	classErr := classifyPeerStatus(resp.Status, resp.StatusDetail)
	if classErr != nil {
		assoc.Close()
		return classErr
	}

	if dicomwire.ClassifyStatus(resp.Status) == dicomwire.StatusWarning {
		logger.Warn("peer принял объект с предупреждением",
			slog.String("status", fmt.Sprintf("%#04x", resp.Status)), slog.String("detail", resp.StatusDetail))
	}

	w.pool.checkin(dest, inst.SOPClassUID, inst.TransferSyntaxUID, assoc)
	return nil
}

func (w *Worker) finalize(ctx context.Context, job *model.ForwardJob, classErr *apierrors.Classified, logger *slog.Logger) {
	if err := w.queue.Finalize(ctx, job, classErr, time.Now().UTC()); err != nil {
		logger.Error("ошибка finalize job", slog.String("error", err.Error()))
		return
	}

	if classErr == nil {
		jobsCompletedTotal.Inc()
		logger.Info("job доставлен")
		return
	}

	// outcome здесь отражает только категорию ошибки, а не реальный
	// переход конечного автомата — решение retry/dead-letter c учётом
	// счётчика попыток принимает queue.Queue.Finalize (maxAttempts ему
	// не известен Worker'у).
	outcome := "retry_scheduled"
	if !apierrors.Retryable(classErr.Kind) {
		outcome = "dead_letter"
	}
	jobsFailedTotal.WithLabelValues(string(classErr.Kind), outcome).Inc()
	logger.Warn("job не доставлен", slog.String("error_kind", string(classErr.Kind)), slog.String("detail", classErr.Detail))
}
