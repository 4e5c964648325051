package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML layout; durations are strings so "250ms" and
// "30s" parse the same way as flags.
type fileConfig struct {
	Name              string   `toml:"name"`
	Port              int      `toml:"port"`
	DataDir           string   `toml:"data_dir"`
	CorsOrigins       []string `toml:"cors_origins"`
	APIToken          string   `toml:"api_token"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	SendTimeout       string   `toml:"send_timeout"`
	ShutdownTimeout   string   `toml:"shutdown_timeout"`
	QRSize            int      `toml:"qr_size"`
	ObserverBuffer    int      `toml:"observer_buffer"`
	Store             struct {
		Backend     string `toml:"backend"`
		SQLitePath  string `toml:"sqlite_path"`
		RedisURL    string `toml:"redis_url"`
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"store"`
	Retry struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
		MaxAttempts  int     `toml:"max_attempts"`
	} `toml:"retry"`
	Address struct {
		CountryCode string `toml:"country_code"`
		Domain      string `toml:"domain"`
	} `toml:"address"`
	Loopback struct {
		PairingInterval string `toml:"pairing_interval"`
		AutoPairAfter   string `toml:"auto_pair_after"`
	} `toml:"loopback"`
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("name") {
		if v := strings.TrimSpace(raw.Name); v != "" {
			cfg.Name = v
		}
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = trimList(raw.CorsOrigins)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("qr_size") {
		cfg.QRSize = raw.QRSize
	}
	if meta.IsDefined("observer_buffer") {
		cfg.ObserverBuffer = raw.ObserverBuffer
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"send_timeout", raw.SendTimeout, &cfg.SendTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"retry.initial_delay", raw.Retry.InitialDelay, &cfg.Retry.InitialDelay},
		{"retry.max_delay", raw.Retry.MaxDelay, &cfg.Retry.MaxDelay},
		{"loopback.pairing_interval", raw.Loopback.PairingInterval, &cfg.Loopback.PairingInterval},
		{"loopback.auto_pair_after", raw.Loopback.AutoPairAfter, &cfg.Loopback.AutoPairAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("store", "backend") {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(raw.Store.Backend))
	}
	if meta.IsDefined("store", "sqlite_path") {
		cfg.Store.SQLitePath = strings.TrimSpace(raw.Store.SQLitePath)
	}
	if meta.IsDefined("store", "redis_url") {
		cfg.Store.RedisURL = strings.TrimSpace(raw.Store.RedisURL)
	}
	if meta.IsDefined("store", "redis_prefix") {
		cfg.Store.RedisPrefix = strings.TrimSpace(raw.Store.RedisPrefix)
	}

	if meta.IsDefined("retry", "multiplier") {
		cfg.Retry.Multiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.Retry.Jitter = raw.Retry.Jitter
	}
	if meta.IsDefined("retry", "max_attempts") {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}

	if meta.IsDefined("address", "country_code") {
		cfg.Address.CountryCode = strings.TrimSpace(raw.Address.CountryCode)
	}
	if meta.IsDefined("address", "domain") {
		cfg.Address.Domain = strings.TrimSpace(raw.Address.Domain)
	}
	return nil
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
