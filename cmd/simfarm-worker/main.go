package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/simfarm/internal/backend"
	"github.com/animus-labs/simfarm/internal/config"
	"github.com/animus-labs/simfarm/internal/platform/httpserver"
	"github.com/animus-labs/simfarm/internal/toolchain"
	"github.com/animus-labs/simfarm/internal/worker"
)

const service = "simfarm-worker"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet(service, flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default $SIMFARM_CONFIG)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	src, err := config.Source(*configPath)
	if err != nil {
		logger.Error("invalid config file", "error", err)
		os.Exit(2)
	}
	workerCfg, err := worker.ConfigFromEnv(src)
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}
	backendCfg, err := backend.ConfigFromEnv(src)
	if err != nil {
		logger.Error("invalid backend config", "error", err)
		os.Exit(2)
	}
	shutdownTimeout, err := src.Duration("SIMFARM_WORKER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	b, err := backend.Open(ctx, backendCfg, logger)
	if err != nil {
		logger.Error("backend unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	pool, err := worker.NewPool(b.Queue, workerCfg.PoolConfig(), logger)
	if err != nil {
		logger.Error("worker pool init failed", "error", err)
		os.Exit(1)
	}
	exec, err := worker.NewExecutor(b.Artifacts, b.Queue, toolchain.Exec{}, workerCfg.ExecutorConfig(), logger)
	if err != nil {
		logger.Error("executor init failed", "error", err)
		os.Exit(1)
	}
	exec.Register(pool)

	handler := httpserver.NewMux(logger, service, func() any { return pool.Status() }, b.Checks()...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	if workerCfg.HTTPAddr != "" {
		g.Go(func() error {
			return httpserver.Run(gctx, logger, httpserver.Config{
				Service:         service,
				Addr:            workerCfg.HTTPAddr,
				ShutdownTimeout: shutdownTimeout,
			}, handler)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
