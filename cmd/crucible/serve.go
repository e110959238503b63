package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/algorithm"
	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/telemetry"
)

const (
	collectInterval = time.Minute
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the HTTP API and the configured executor",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "skip-deploy",
			Usage: "do not deploy the packages under the algorithms dir at startup",
		},
	},
	Action: runServe,
}

func runServe(cctx *cli.Context) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, "crucible")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"executor", cfg.Executor.Mode,
		"storage", cfg.Storage.Provider,
		"devices", cfg.Devices,
	)

	if !cctx.Bool("skip-deploy") {
		deployDir(ctx, c)
	}

	g, ctx := errgroup.WithContext(ctx)

	deps := api.Deps{
		Sessions: c.sessions,
		Tasks:    c.db,
		Registry: c.registry,
		Deployer: c.deployer,
		Runtimes: c.runtimes,
		Gateway:  c.gateway,
	}

	switch cfg.Executor.Mode {
	case config.ExecutorDistributed:
		broker := engine.NewRedisBroker(engine.RedisBrokerConfig{
			Addr:     cfg.Executor.RedisAddr,
			Password: cfg.Executor.RedisPassword,
		}, logger)
		defer broker.Close()
		if err := broker.Ping(ctx); err != nil {
			return err
		}
		deps.Executor = engine.NewDistributedPool(c.sessions, broker, logger)
		g.Go(func() error {
			engine.RunRequeuer(ctx, broker, requeueInterval(cfg.Executor.VisibilityTimeout), logger)
			return nil
		})
	default:
		pool := engine.NewLocalPool(c.handler, c.sessions, cfg.Executor.Workers, cfg.Executor.QueueSize, logger)
		deps.Executor = pool
		deps.Cache = c.cache
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return pool.Shutdown(sctx)
		})
	}

	srv := api.NewServer(cfg.ListenAddr, deps, logger)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		c.gateway.RunSweeper(ctx, cfg.Storage.SweepInterval)
		return nil
	})
	g.Go(func() error {
		c.sessions.RunCollector(ctx, collectInterval)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("crucible: stopped")
	return nil
}

// deployDir registers the packages shipped in the algorithms dir. Packages
// already deployed at the same version are reported and skipped, except
// with the memory object store, whose artifacts did not survive the last
// run and are uploaded again.
func deployDir(ctx context.Context, c *components) {
	dir := c.cfg.AlgorithmsDir
	if _, err := os.Stat(dir); err != nil {
		c.logger.Warn("algorithms dir not found", "dir", dir)
		return
	}
	opts := algorithm.DeployOptions{Replace: c.cfg.Storage.Provider == config.StorageMemory}
	deployed, err := c.deployer.DeployAll(ctx, dir, opts)
	for _, a := range deployed {
		c.logger.Info("deployed from algorithms dir", "algorithm", a.Key(), "id", a.ID)
	}
	if err != nil {
		c.logger.Warn("some packages were not deployed", "dir", dir, "error", err)
	}
}

func requeueInterval(visibility time.Duration) time.Duration {
	return max(visibility/4, time.Second)
}
