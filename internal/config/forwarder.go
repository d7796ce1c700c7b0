package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// ForwarderConfig — параметры процесса Forwarder (SCU) / Supervisor.
// Переменные имеют префикс SFG_FORWARDER_.
type ForwarderConfig struct {
	DB DatabaseConfig

	// WorkerID — идентичность воркера для lease-claiming (host + pid + run id).
	WorkerID string
	// DataDir — корень Object Store, тот же что у Receiver.
	DataDir string
	// CallingAETitle — AE title, которым Forwarder представляется
	// downstream peer'ам.
	CallingAETitle string

	// ClaimBatchSize — N в операции Claim (§4.3 шаг 1).
	ClaimBatchSize int
	// PollInterval — fallback-интервал опроса очереди, когда уведомления
	// LISTEN/NOTIFY не приходят (см. spec §4.3 "Wakeup").
	PollInterval time.Duration
	// LeaseDuration — длительность лизинга ForwardJob.
	LeaseDuration time.Duration
	// HeartbeatInterval — как часто продлевается лизинг долгих передач.
	HeartbeatInterval time.Duration
	// MaxAttempts — верхняя граница повторных попыток до dead-letter (§4.3).
	MaxAttempts int
	// BackoffBase/BackoffCap — параметры экспоненциального backoff с джиттером.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// AssociationIdleTimeout — сколько держать открытой ассоциацию с
	// destination без активности, прежде чем закрыть (§4.5).
	AssociationIdleTimeout time.Duration
	// AssociationCacheSize — верхняя граница LRU-кэша открытых ассоциаций.
	AssociationCacheSize int

	// PacingRate — скорость выдачи job'ов на один destination в обычном
	// режиме, job/сек. 0 — без ограничения.
	PacingRate float64
	// PacingSaturatedRate — сниженная скорость выдачи на destination,
	// который только что отказал по нехватке ресурсов (0xA7xx).
	PacingSaturatedRate float64
	// PacingBurst — допустимый всплеск сверх PacingRate.
	PacingBurst int

	// SweepInterval — период сканирования Supervisor'ом orphan-лизингов
	// и orphan scratch-файлов (§4.6).
	SweepInterval time.Duration
	// ScratchHorizon — возраст, после которого orphan scratch-файл
	// считается подлежащим удалению.
	ScratchHorizon time.Duration
	// DrainTimeout — сколько ждать завершения in-flight job'ов при
	// graceful stop. Лизинги незавершённых к этому сроку job'ов не
	// освобождаются: job'ы остаются claimed до orphan-lease sweep.
	DrainTimeout time.Duration

	HealthPort int
	LogLevel   slog.Level
	LogFormat  string
}

// LoadForwarderConfig загружает конфигурацию Forwarder из окружения.
func LoadForwarderConfig() (*ForwarderConfig, error) {
	cfg := &ForwarderConfig{}
	var err error

	cfg.DB, err = LoadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	defaultWorkerID := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
	cfg.WorkerID = getEnvDefault("SFG_FORWARDER_WORKER_ID", defaultWorkerID)

	cfg.DataDir, err = getEnvRequired("SFG_FORWARDER_DATA_DIR")
	if err != nil {
		return nil, err
	}

	cfg.CallingAETitle = getEnvDefault("SFG_FORWARDER_AE_TITLE", "STUDYFLOWGW")

	cfg.ClaimBatchSize, err = getEnvInt("SFG_FORWARDER_CLAIM_BATCH", 16)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_CLAIM_BATCH: %w", err)
	}

	cfg.PollInterval, err = getEnvDuration("SFG_FORWARDER_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_POLL_INTERVAL: %w", err)
	}

	cfg.LeaseDuration, err = getEnvDuration("SFG_FORWARDER_LEASE_DURATION", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_LEASE_DURATION: %w", err)
	}

	cfg.HeartbeatInterval, err = getEnvDuration("SFG_FORWARDER_HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_HEARTBEAT_INTERVAL: %w", err)
	}

	cfg.MaxAttempts, err = getEnvInt("SFG_FORWARDER_MAX_ATTEMPTS", 8)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_MAX_ATTEMPTS: %w", err)
	}

	cfg.BackoffBase, err = getEnvDuration("SFG_FORWARDER_BACKOFF_BASE", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_BACKOFF_BASE: %w", err)
	}
	cfg.BackoffCap, err = getEnvDuration("SFG_FORWARDER_BACKOFF_CAP", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_BACKOFF_CAP: %w", err)
	}

	cfg.AssociationIdleTimeout, err = getEnvDuration("SFG_FORWARDER_ASSOC_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_ASSOC_IDLE_TIMEOUT: %w", err)
	}
	cfg.AssociationCacheSize, err = getEnvInt("SFG_FORWARDER_ASSOC_CACHE_SIZE", 64)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_ASSOC_CACHE_SIZE: %w", err)
	}

	cfg.PacingRate, err = getEnvFloat("SFG_FORWARDER_PACING_RATE", 0)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_PACING_RATE: %w", err)
	}
	cfg.PacingSaturatedRate, err = getEnvFloat("SFG_FORWARDER_PACING_SATURATED_RATE", 1)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_PACING_SATURATED_RATE: %w", err)
	}
	cfg.PacingBurst, err = getEnvInt("SFG_FORWARDER_PACING_BURST", 1)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_PACING_BURST: %w", err)
	}

	cfg.SweepInterval, err = getEnvDuration("SFG_FORWARDER_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_SWEEP_INTERVAL: %w", err)
	}
	cfg.ScratchHorizon, err = getEnvDuration("SFG_FORWARDER_SCRATCH_HORIZON", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_SCRATCH_HORIZON: %w", err)
	}
	cfg.DrainTimeout, err = getEnvDuration("SFG_FORWARDER_DRAIN_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_DRAIN_TIMEOUT: %w", err)
	}

	cfg.HealthPort, err = getEnvInt("SFG_FORWARDER_HEALTH_PORT", 8082)
	if err != nil {
		return nil, fmt.Errorf("SFG_FORWARDER_HEALTH_PORT: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SFG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SFG_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("SFG_LOG_FORMAT", "json")

	return cfg, nil
}
