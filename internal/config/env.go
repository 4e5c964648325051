package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// envConfig holds the environment layer. Pointer fields stay nil when the
// variable is unset so they never clobber file values.
type envConfig struct {
	Port          *int           `env:"PORT"`
	DataDir       *string        `env:"GATECTL_DATA_DIR"`
	APIToken      *string        `env:"GATECTL_API_TOKEN"`
	CorsOrigins   []string       `env:"GATECTL_CORS_ORIGINS" envSeparator:","`
	StoreBackend  *string        `env:"GATECTL_STORE_BACKEND"`
	SQLitePath    *string        `env:"GATECTL_SQLITE_PATH"`
	RedisURL      *string        `env:"GATECTL_REDIS_URL"`
	SendTimeout   *time.Duration `env:"GATECTL_SEND_TIMEOUT"`
	MaxAttempts   *int           `env:"GATECTL_RETRY_MAX_ATTEMPTS"`
	CountryCode   *string        `env:"GATECTL_COUNTRY_CODE"`
	AutoPairAfter *time.Duration `env:"GATECTL_AUTO_PAIR_AFTER"`
}

func applyEnv(cfg *Config) error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if raw.Port != nil {
		cfg.Port = *raw.Port
	}
	if raw.DataDir != nil {
		cfg.DataDir = strings.TrimSpace(*raw.DataDir)
	}
	if raw.APIToken != nil {
		cfg.APIToken = strings.TrimSpace(*raw.APIToken)
	}
	if len(raw.CorsOrigins) > 0 {
		cfg.CorsOrigins = trimList(raw.CorsOrigins)
	}
	if raw.StoreBackend != nil {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(*raw.StoreBackend))
	}
	if raw.SQLitePath != nil {
		cfg.Store.SQLitePath = strings.TrimSpace(*raw.SQLitePath)
	}
	if raw.RedisURL != nil {
		cfg.Store.RedisURL = strings.TrimSpace(*raw.RedisURL)
	}
	if raw.SendTimeout != nil {
		cfg.SendTimeout = *raw.SendTimeout
	}
	if raw.MaxAttempts != nil {
		cfg.Retry.MaxAttempts = *raw.MaxAttempts
	}
	if raw.CountryCode != nil {
		cfg.Address.CountryCode = strings.TrimSpace(*raw.CountryCode)
	}
	if raw.AutoPairAfter != nil {
		cfg.Loopback.AutoPairAfter = *raw.AutoPairAfter
	}
	return nil
}
