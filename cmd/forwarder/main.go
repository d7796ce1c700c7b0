// Точка входа Forwarder — процесса, забирающего ForwardJob из Job
// Queue и передающего объекты назначенным destination'ам (spec §4.5),
// вместе с фоновым Supervisor'ом реконсиляции (spec §4.6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/config"
	"github.com/raxjinn/StudyFlowGateway/internal/forwarder"
	"github.com/raxjinn/StudyFlowGateway/internal/healthserver"
	"github.com/raxjinn/StudyFlowGateway/internal/objectstore"
	"github.com/raxjinn/StudyFlowGateway/internal/queue"
	"github.com/raxjinn/StudyFlowGateway/internal/supervisor"
)

func main() {
	cfg, err := config.LoadForwarderConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Forwarder запускается",
		slog.String("version", config.Version),
		slog.String("worker_id", cfg.WorkerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := catalog.Migrate(cfg.DB, logger); err != nil {
		logger.Error("ошибка применения миграций Catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := catalog.Connect(ctx, cfg.DB, logger)
	if err != nil {
		logger.Error("ошибка подключения к Catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	cat := catalog.New(pool)

	store, err := objectstore.New(cfg.DataDir, cfg.DataDir+"/tmp/"+cfg.WorkerID)
	if err != nil {
		logger.Error("ошибка инициализации Object Store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	backoff := queue.NewBackoff(cfg.BackoffBase, cfg.BackoffCap)
	q := queue.New(cat.Jobs(), backoff, cfg.MaxAttempts)

	worker := forwarder.NewWorker(q, cat.Destinations(), cat.Instances(), cat.Studies(), cat.Series(), store,
		forwarder.Config{
			WorkerID:            cfg.WorkerID,
			CallingAETitle:      cfg.CallingAETitle,
			LeaseDuration:       cfg.LeaseDuration,
			HeartbeatInterval:   cfg.HeartbeatInterval,
			AssociationCache:    cfg.AssociationCacheSize,
			IdleTimeout:         cfg.AssociationIdleTimeout,
			PacingRate:          cfg.PacingRate,
			PacingSaturatedRate: cfg.PacingSaturatedRate,
			PacingBurst:         cfg.PacingBurst,
		}, logger)

	super := supervisor.New(q, store, cfg.SweepInterval, cfg.ScratchHorizon, logger)
	super.Start(ctx)

	notifier := queue.NewNotifier(pool, logger)
	go notifier.Run(ctx)

	health := healthserver.New(cfg.HealthPort, "forwarder", map[string]healthserver.ReadinessChecker{
		"catalog": catalog.NewReadinessChecker(pool),
		"store":   store,
	}, logger)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		if err := health.Run(ctx); err != nil {
			logger.Error("ошибка health-сервера", slog.String("error", err.Error()))
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx, cfg.PollInterval, cfg.SweepInterval, cfg.ClaimBatchSize, notifier.Wakeups)
	}()

	<-ctx.Done()
	logger.Info("получен сигнал завершения, ожидание завершения in-flight job'ов",
		slog.String("drain_timeout", cfg.DrainTimeout.String()))

	super.Stop()

	select {
	case <-workerDone:
		logger.Info("Forwarder завершил drain")
	case <-time.After(cfg.DrainTimeout):
		logger.Warn("drain timeout истёк, оставшиеся job'ы останутся claimed до orphan sweep")
	}

	<-healthDone
	logger.Info("Forwarder остановлен")
}
