// Package gateway exposes the session manager over HTTP and a realtime
// websocket channel, and runs the gatectl process lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/sessiongate/internal/bus"
	"github.com/danmuck/sessiongate/internal/config"
	"github.com/danmuck/sessiongate/internal/lifecycle"
	logs "github.com/danmuck/sessiongate/internal/logging"
	"github.com/danmuck/sessiongate/internal/registry"
	"github.com/danmuck/sessiongate/internal/store"
	"github.com/danmuck/sessiongate/internal/transport"
	"github.com/danmuck/sessiongate/internal/transport/loopback"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidHeartbeatInterval = errors.New("gateway: invalid heartbeat interval")

// Service wires the store, registry, bus, lifecycle manager and HTTP server
// for one gatectl process.
type Service struct {
	cfg config.Config

	store    store.Store
	creds    *store.CredentialStore
	registry *registry.Registry
	bus      *bus.Bus
	factory  transport.Factory
	manager  *lifecycle.Manager
	api      *API
	server   *Server
}

// NewService opens the configured store and builds the runtime around the
// loopback transport engine.
func NewService(ctx context.Context, cfg config.Config) (*Service, error) {
	factory := loopback.NewFactory(loopback.Options{
		PairingInterval: cfg.Loopback.PairingInterval,
		AutoPairAfter:   cfg.Loopback.AutoPairAfter,
	})
	return NewServiceWithFactory(ctx, cfg, factory)
}

// NewServiceWithFactory is NewService with an explicit transport engine.
func NewServiceWithFactory(ctx context.Context, cfg config.Config, factory transport.Factory) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	records, err := store.Open(ctx, store.Options{
		Backend:     cfg.Store.Backend,
		DataDir:     cfg.DataDir,
		SQLitePath:  cfg.Store.SQLitePath,
		RedisURL:    cfg.Store.RedisURL,
		RedisPrefix: cfg.Store.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		store:    records,
		creds:    store.NewCredentialStore(filepath.Join(cfg.DataDir, "credentials")),
		registry: registry.New(),
		factory:  factory,
	}
	s.bus = bus.New(records.Load, cfg.ObserverBuffer)

	manager, err := lifecycle.New(lifecycle.Config{
		Retry: lifecycle.RetryPolicy{
			Backoff: lifecycle.BackoffConfig{
				InitialDelay: cfg.Retry.InitialDelay,
				Multiplier:   cfg.Retry.Multiplier,
				MaxDelay:     cfg.Retry.MaxDelay,
				Jitter:       cfg.Retry.Jitter,
			},
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		QRSize: cfg.QRSize,
	}, lifecycle.Deps{
		Store:       records,
		Credentials: s.creds,
		Registry:    s.registry,
		Bus:         s.bus,
		Factory:     factory,
	})
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	s.manager = manager

	format := transport.AddressFormat{CountryCode: cfg.Address.CountryCode, Domain: cfg.Address.Domain}
	s.api = NewAPI(manager, records, format, cfg.SendTimeout)
	s.server = NewServer(ServerConfig{
		Name:        cfg.Name,
		CorsOrigins: cfg.CorsOrigins,
		APIToken:    cfg.APIToken,
	}, s.api, s.bus)
	return s, nil
}

func (s *Service) Server() *Server {
	return s.server
}

func (s *Service) API() *API {
	return s.api
}

// Run blocks until SIGINT/SIGTERM or a fatal serve error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		_ = s.Close()
	}()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

// bootstrap resumes every persisted session. A corrupt store is fatal.
func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.manager.Bootstrap(ctx); err != nil {
		return err
	}
	s.server.MarkReady()
	logs.Infof(
		"gateway.Service.bootstrap ready name=%q backend=%s data_dir=%q sessions=%d",
		s.server.Name,
		s.cfg.Store.Backend,
		s.cfg.DataDir,
		s.registry.Len(),
	)
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.server.HTTPRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs.Warnf("gateway.Service.serve listening addr=%q", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logs.Warnf("gateway.Service.serve shutdown err=%v", err)
		}
		return nil
	})
	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})

	err := g.Wait()
	logs.Infof("gateway.Service.serve shutdown")
	return err
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states := s.manager.States()
			ready := 0
			for _, state := range states {
				if state == registry.StateReady {
					ready++
				}
			}
			logs.Infof(
				"gateway.Service.heartbeat name=%q sessions=%d ready=%d observers=%d",
				s.server.Name,
				len(states),
				ready,
				s.bus.Len(),
			)
		}
	}
}

// Close stops every session, ends observer streams and closes the store.
// Records and credentials stay on disk for the next start.
func (s *Service) Close() error {
	err := s.manager.Close()
	s.bus.Close()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
