package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	DataDir     string
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
}

// Open builds the Store named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		dataDir = filepath.Join("local", "data")
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return OpenFile(filepath.Join(dataDir, DefaultFileName))
	case BackendSQLite:
		path := strings.TrimSpace(opts.SQLitePath)
		if path == "" {
			path = filepath.Join(dataDir, "sessions.db")
		}
		return OpenSQLite(path)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
