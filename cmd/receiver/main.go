// Точка входа Receiver — процесса, терминирующего входящие
// DICOM-ассоциации (spec §4.4).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/config"
	"github.com/raxjinn/StudyFlowGateway/internal/healthserver"
	"github.com/raxjinn/StudyFlowGateway/internal/objectstore"
	"github.com/raxjinn/StudyFlowGateway/internal/queue"
	"github.com/raxjinn/StudyFlowGateway/internal/receiver"
)

// notifyAdapter оборачивает queue.Publish над пулом Catalog'а в
// интерфейс receiver.Notifier, которого ожидает Service.
type notifyAdapter struct {
	cat *catalog.Catalog
}

func (n notifyAdapter) Publish(ctx context.Context) error {
	return queue.Publish(ctx, n.cat.Pool())
}

func main() {
	cfg, err := config.LoadReceiverConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Receiver запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.ListenPort),
		slog.String("ae_title", cfg.AETitle),
	)

	ctx := context.Background()

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

	store, err := objectstore.New(cfg.DataDir, cfg.ScratchDir)
	if err != nil {
		logger.Error("ошибка инициализации Object Store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	svc := receiver.New(store, cat, notifyAdapter{cat: cat}, receiver.Config{AETitle: cfg.AETitle}, logger)

	srv, err := receiver.NewServer(cfg.ListenPort, svc, cfg.MaxConcurrentAssociations, cfg.AssociationTimeout, logger)
	if err != nil {
		logger.Error("ошибка запуска listener'а Receiver'а", slog.String("error", err.Error()))
		os.Exit(1)
	}

	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	health := healthserver.New(cfg.HealthPort, "receiver", map[string]healthserver.ReadinessChecker{
		"catalog": catalog.NewReadinessChecker(pool),
		"store":   store,
	}, logger)
	go func() {
		if err := health.Run(healthCtx); err != nil {
			logger.Error("ошибка health-сервера", slog.String("error", err.Error()))
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("ошибка Receiver'а", slog.String("error", err.Error()))
		cancelHealth()
		os.Exit(1)
	}

	cancelHealth()
	logger.Info("Receiver остановлен")
}
