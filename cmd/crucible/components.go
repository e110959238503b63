package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/seantiz/crucible/internal/algorithm"
	"github.com/seantiz/crucible/internal/algorithms"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/session"
	"github.com/seantiz/crucible/internal/storage"
	"github.com/seantiz/crucible/internal/store"
)

// components is everything a process needs to deploy algorithms and run
// tasks. Commands build one and use the parts they need.
type components struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *store.SQLiteStore
	gateway  *storage.Gateway
	runtimes *runner.Runtimes
	registry *algorithm.Registry
	deployer *algorithm.Deployer
	cache    *runner.Cache
	sessions *session.Manager
	handler  *engine.Handler
}

// loadConfig loads the configuration and builds the process logger on w.
func loadConfig(w io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, config.NewLogger(w, cfg.LogLevel), nil
}

func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	objects, err := newObjectStore(cfg.Storage, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	gateway := storage.NewGateway(objects, cfg.Storage.DataRetention, logger)
	if err := gateway.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	builtin := runner.NewBuiltin()
	algorithms.Register(builtin)
	runtimes := runner.NewRuntimes()
	runtimes.Register(model.RuntimeBuiltin, builtin)
	runtimes.Register(model.RuntimeExec, runner.NewExec(cfg.WorkDir, logger))

	registry := algorithm.NewRegistry(db, objects, logger)
	cache := runner.NewCache(cfg.Cache.Capacity, runner.NewLoader(runtimes, registry, logger).Load, logger)
	registry.OnDecommission(cache.Invalidate)

	sessions := session.NewManager(db, session.NewLogBroker(), cfg.Session.Retention, logger)
	// Tasks of one client session may land on different workers, so
	// scratch areas only exist under the local executor.
	var scratch *session.ScratchCache
	if cfg.Executor.Mode != config.ExecutorDistributed {
		scratch = session.NewScratchCache(cfg.Session.ScratchMaxTokens, cfg.Session.ScratchMaxEntries, cfg.Session.ScratchExpiry)
	}

	return &components{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		gateway:  gateway,
		runtimes: runtimes,
		registry: registry,
		deployer: algorithm.NewDeployer(registry, runtimes, logger),
		cache:    cache,
		sessions: sessions,
		handler:  engine.NewHandler(registry, cache, gateway, cfg.Devices, scratch, logger),
	}, nil
}

func (c *components) Close() {
	c.cache.Close()
	if err := c.db.Close(); err != nil {
		c.logger.Error("close database", "error", err)
	}
}

func newObjectStore(cfg config.StorageConfig, logger *slog.Logger) (storage.ObjectStore, error) {
	switch cfg.Provider {
	case config.StorageMinIO:
		s, err := storage.NewMinIOStore(storage.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    cfg.Secure,
			Prefix:    cfg.CollectionPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect object store: %w", err)
		}
		return s, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}
