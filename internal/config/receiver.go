package config

import (
	"fmt"
	"log/slog"
	"time"
)

// ReceiverConfig — параметры процесса Receiver (SCP). Переменные имеют
// префикс SFG_RECEIVER_.
type ReceiverConfig struct {
	DB DatabaseConfig

	// ListenPort — порт, на котором Receiver принимает DICOM-ассоциации.
	ListenPort int
	// AETitle — AE title, которым Receiver представляется peer'ам.
	AETitle string
	// DataDir — корень Object Store (<data-root>/storage/studies/...).
	DataDir string
	// ScratchDir — корень области временных файлов
	// (по умолчанию <data-root>/tmp).
	ScratchDir string
	// MaxConcurrentAssociations — верхняя граница одновременно
	// принимаемых ассоциаций (см. spec §4.4).
	MaxConcurrentAssociations int
	// AssociationTimeout — deadline на одну ассоциацию (см. spec §5).
	AssociationTimeout time.Duration

	HealthPort int
	LogLevel   slog.Level
	LogFormat  string
}

// LoadReceiverConfig загружает конфигурацию Receiver из окружения.
func LoadReceiverConfig() (*ReceiverConfig, error) {
	cfg := &ReceiverConfig{}
	var err error

	cfg.DB, err = LoadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	cfg.ListenPort, err = getEnvInt("SFG_RECEIVER_PORT", 11112)
	if err != nil {
		return nil, fmt.Errorf("SFG_RECEIVER_PORT: %w", err)
	}

	cfg.AETitle = getEnvDefault("SFG_RECEIVER_AE_TITLE", "STUDYFLOWGW")

	cfg.DataDir, err = getEnvRequired("SFG_RECEIVER_DATA_DIR")
	if err != nil {
		return nil, err
	}

	cfg.ScratchDir = getEnvDefault("SFG_RECEIVER_SCRATCH_DIR", cfg.DataDir+"/tmp")

	cfg.MaxConcurrentAssociations, err = getEnvInt("SFG_RECEIVER_MAX_ASSOCIATIONS", 32)
	if err != nil {
		return nil, fmt.Errorf("SFG_RECEIVER_MAX_ASSOCIATIONS: %w", err)
	}

	cfg.AssociationTimeout, err = getEnvDuration("SFG_RECEIVER_ASSOCIATION_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SFG_RECEIVER_ASSOCIATION_TIMEOUT: %w", err)
	}

	cfg.HealthPort, err = getEnvInt("SFG_RECEIVER_HEALTH_PORT", 8081)
	if err != nil {
		return nil, fmt.Errorf("SFG_RECEIVER_HEALTH_PORT: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SFG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SFG_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("SFG_LOG_FORMAT", "json")

	return cfg, nil
}
