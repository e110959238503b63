package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/telemetry"
)

var workerCmd = &cli.Command{
	Name:  "worker",
	Usage: "consume tasks from the shared broker",
	Description: "Workers share the server's database and object store and " +
		"need the redis broker.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "id",
			Usage: "consumer name used in broker receipts (default: random)",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "tasks run at once (default: executor.workers)",
		},
	},
	Action: runWorker,
}

func runWorker(cctx *cli.Context) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	if cfg.Executor.Broker != config.BrokerRedis {
		return fmt.Errorf("worker needs the %s broker, configured %q", config.BrokerRedis, cfg.Executor.Broker)
	}
	cfg.Executor.Mode = config.ExecutorDistributed
	if cfg.Storage.Provider == config.StorageMemory {
		logger.Warn("memory object store is not shared with the server; inputs will not be found")
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, "crucible-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	broker := engine.NewRedisBroker(engine.RedisBrokerConfig{
		Addr:     cfg.Executor.RedisAddr,
		Password: cfg.Executor.RedisPassword,
	}, logger)
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		return err
	}

	concurrency := cfg.Executor.Workers
	if n := cctx.Int("concurrency"); n > 0 {
		concurrency = n
	}
	w := engine.NewWorker(engine.WorkerConfig{
		ID:          cctx.String("id"),
		Concurrency: concurrency,
		Visibility:  cfg.Executor.VisibilityTimeout,
	}, broker, c.db, c.sessions, c.handler, logger)

	logger.Info("crucible worker: starting",
		"redis_addr", cfg.Executor.RedisAddr,
		"concurrency", concurrency,
		"devices", cfg.Devices,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		engine.RunRequeuer(ctx, broker, requeueInterval(cfg.Executor.VisibilityTimeout), logger)
		return nil
	})
	g.Go(func() error {
		c.sessions.RunCollector(ctx, collectInterval)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("crucible worker: stopped")
	return nil
}
