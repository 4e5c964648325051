package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# gatectl configuration.
# Environment variables (PORT, GATECTL_*) and a .env file override these values.
`

// Template renders cfg in the TOML layout Load reads.
func Template(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(toFile(cfg)); err != nil {
		return nil, fmt.Errorf("config: encode template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	data, err := Template(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func toFile(cfg Config) fileConfig {
	var out fileConfig
	out.Name = cfg.Name
	out.Port = cfg.Port
	out.DataDir = cfg.DataDir
	out.CorsOrigins = cfg.CorsOrigins
	out.APIToken = cfg.APIToken
	out.HeartbeatInterval = cfg.HeartbeatInterval.String()
	out.SendTimeout = cfg.SendTimeout.String()
	out.ShutdownTimeout = cfg.ShutdownTimeout.String()
	out.QRSize = cfg.QRSize
	out.ObserverBuffer = cfg.ObserverBuffer
	out.Store.Backend = cfg.Store.Backend
	out.Store.SQLitePath = cfg.Store.SQLitePath
	out.Store.RedisURL = cfg.Store.RedisURL
	out.Store.RedisPrefix = cfg.Store.RedisPrefix
	out.Retry.InitialDelay = cfg.Retry.InitialDelay.String()
	out.Retry.Multiplier = cfg.Retry.Multiplier
	out.Retry.MaxDelay = cfg.Retry.MaxDelay.String()
	out.Retry.Jitter = cfg.Retry.Jitter
	out.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	out.Address.CountryCode = cfg.Address.CountryCode
	out.Address.Domain = cfg.Address.Domain
	out.Loopback.PairingInterval = cfg.Loopback.PairingInterval.String()
	out.Loopback.AutoPairAfter = cfg.Loopback.AutoPairAfter.String()
	return out
}
