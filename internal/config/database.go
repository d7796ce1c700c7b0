package config

import "fmt"

// DatabaseConfig — подключение к Catalog (PostgreSQL), общее для всех
// компонентов. Переменные имеют префикс SFG_DB_.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	// MaxConns — верхняя граница пула соединений (см. spec §5:
	// "Database connections are pooled with a bounded maximum").
	MaxConns int32
}

// LoadDatabaseConfig загружает параметры подключения к Catalog.
func LoadDatabaseConfig() (DatabaseConfig, error) {
	var cfg DatabaseConfig
	var err error

	cfg.Host, err = getEnvRequired("SFG_DB_HOST")
	if err != nil {
		return cfg, err
	}
	cfg.Port, err = getEnvInt("SFG_DB_PORT", 5432)
	if err != nil {
		return cfg, fmt.Errorf("SFG_DB_PORT: %w", err)
	}
	cfg.Name, err = getEnvRequired("SFG_DB_NAME")
	if err != nil {
		return cfg, err
	}
	cfg.User, err = getEnvRequired("SFG_DB_USER")
	if err != nil {
		return cfg, err
	}
	cfg.Password, err = getEnvRequired("SFG_DB_PASSWORD")
	if err != nil {
		return cfg, err
	}
	cfg.SSLMode = getEnvDefault("SFG_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.SSLMode] {
		return cfg, fmt.Errorf("SFG_DB_SSL_MODE: недопустимое значение %q", cfg.SSLMode)
	}

	maxConns, err := getEnvInt("SFG_DB_MAX_CONNS", 20)
	if err != nil {
		return cfg, fmt.Errorf("SFG_DB_MAX_CONNS: %w", err)
	}
	cfg.MaxConns = int32(maxConns)

	return cfg, nil
}

// DSN возвращает строку подключения к PostgreSQL в формате key=value.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode,
	)
}

// MigrateURL возвращает URL подключения в формате golang-migrate (pgx5://...).
func (c DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}
