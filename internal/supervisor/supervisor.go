// Пакет supervisor реализует фоновую реконсиляцию Job Queue и Object
// Store (spec §4.6): периодически освобождает ForwardJob с истёкшим без
// heartbeat лизингом (воркер упал во время передачи) и удаляет
// orphan-файлы scratch-области, оставшиеся после краха между
// BeginScratch и Publish/AbortScratch. Цикл с мьютексом и тикером —
// storage-element/internal/service/gc.go, адаптированный к очереди
// PostgreSQL и файловой scratch-области вместо TTL-индекса файлов.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// QueuePort — доступ Supervisor'а к Job Queue.
type QueuePort interface {
	ReleaseOrphanLeases(ctx context.Context, now time.Time) (int, error)
}

// ScratchSweeper — доступ Supervisor'а к Object Store.
type ScratchSweeper interface {
	SweepOrphanScratch(olderThan time.Duration, now time.Time) (int, error)
}

// Result — итог одного цикла реконсиляции.
type Result struct {
	OrphanLeasesReleased int
	OrphanScratchRemoved int
	Duration             time.Duration
}

// Supervisor — фоновый сервис реконсиляции.
type Supervisor struct {
	queue          QueuePort
	store          ScratchSweeper
	interval       time.Duration
	scratchHorizon time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New создаёт Supervisor.
func New(queue QueuePort, store ScratchSweeper, interval, scratchHorizon time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		queue:          queue,
		store:          store,
		interval:       interval,
		scratchHorizon: scratchHorizon,
		logger:         logger.With(slog.String("component", "supervisor")),
	}
}

// Start запускает фоновую горутину реконсиляции с периодическим тикером.
func (s *Supervisor) Start(ctx context.Context) {
	sCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(sCtx)

	s.logger.Info("supervisor запущен", slog.String("interval", s.interval.String()))
}

// Stop останавливает фоновую горутину реконсиляции.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("supervisor остановлен")
}

func (s *Supervisor) run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл реконсиляции. Потокобезопасен: мьютекс
// защищает от параллельного запуска при одновременном ручном вызове и
// тикере.
func (s *Supervisor) RunOnce(ctx context.Context) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &Result{}

	released, err := s.queue.ReleaseOrphanLeases(ctx, time.Now().UTC())
	if err != nil {
		sweepErrorsTotal.WithLabelValues("release_orphan_leases").Inc()
		s.logger.Error("ошибка освобождения orphan-лизингов", slog.String("error", err.Error()))
	} else {
		result.OrphanLeasesReleased = released
		if released > 0 {
			s.logger.Info("orphan-лизинги освобождены", slog.Int("count", released))
		}
	}

	removed, err := s.store.SweepOrphanScratch(s.scratchHorizon, time.Now().UTC())
	if err != nil {
		sweepErrorsTotal.WithLabelValues("sweep_orphan_scratch").Inc()
		s.logger.Error("ошибка очистки orphan scratch-файлов", slog.String("error", err.Error()))
	} else {
		result.OrphanScratchRemoved = removed
		if removed > 0 {
			s.logger.Info("orphan scratch-файлы удалены", slog.Int("count", removed))
		}
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	orphanLeasesReleasedTotal.Add(float64(result.OrphanLeasesReleased))
	orphanScratchRemovedTotal.Add(float64(result.OrphanScratchRemoved))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Debug("цикл supervisor завершён",
		slog.Int("orphan_leases_released", result.OrphanLeasesReleased),
		slog.Int("orphan_scratch_removed", result.OrphanScratchRemoved),
		slog.Duration("duration", result.Duration),
	)

	return result
}
