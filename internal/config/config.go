// Package config resolves gatectl runtime configuration. Values are layered:
// built-in defaults, then an optional TOML file, then a .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort        = 3007
	DefaultDataDir     = "local/data"
	DefaultCountryCode = "62"
	DefaultDomain      = "c.us"
)

var ErrInvalid = errors.New("config: invalid")

type StoreConfig struct {
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
}

type RetryConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
	MaxAttempts  int           `toml:"max_attempts"`
}

type AddressConfig struct {
	CountryCode string `toml:"country_code"`
	Domain      string `toml:"domain"`
}

// LoopbackConfig tunes the in-process transport engine.
type LoopbackConfig struct {
	PairingInterval time.Duration `toml:"pairing_interval"`
	AutoPairAfter   time.Duration `toml:"auto_pair_after"`
}

// Config is the resolved gatectl configuration.
type Config struct {
	Name              string         `toml:"name"`
	Port              int            `toml:"port"`
	DataDir           string         `toml:"data_dir"`
	CorsOrigins       []string       `toml:"cors_origins"`
	APIToken          string         `toml:"api_token"`
	HeartbeatInterval time.Duration  `toml:"heartbeat_interval"`
	SendTimeout       time.Duration  `toml:"send_timeout"`
	ShutdownTimeout   time.Duration  `toml:"shutdown_timeout"`
	QRSize            int            `toml:"qr_size"`
	ObserverBuffer    int            `toml:"observer_buffer"`
	Store             StoreConfig    `toml:"store"`
	Retry             RetryConfig    `toml:"retry"`
	Address           AddressConfig  `toml:"address"`
	Loopback          LoopbackConfig `toml:"loopback"`
}

func Default() Config {
	return Config{
		Name:              "gatectl",
		Port:              DefaultPort,
		DataDir:           DefaultDataDir,
		CorsOrigins:       []string{"http://localhost:3000"},
		HeartbeatInterval: 30 * time.Second,
		SendTimeout:       30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		QRSize:            256,
		ObserverBuffer:    64,
		Store: StoreConfig{
			Backend:     "file",
			RedisPrefix: "sessiongate",
		},
		Retry: RetryConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
			MaxAttempts:  10,
		},
		Address: AddressConfig{
			CountryCode: DefaultCountryCode,
			Domain:      DefaultDomain,
		},
		Loopback: LoopbackConfig{
			PairingInterval: 20 * time.Second,
		},
	}
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load resolves configuration. An empty path skips the TOML layer; a missing
// .env file is ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, cfg.Port)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalid)
	}
	if cfg.SendTimeout <= 0 {
		return fmt.Errorf("%w: send_timeout must be positive", ErrInvalid)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", ErrInvalid)
	}
	switch cfg.Store.Backend {
	case "file", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.Store.RedisURL) == "" {
			return fmt.Errorf("%w: store.redis_url is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, cfg.Store.Backend)
	}
	return nil
}
