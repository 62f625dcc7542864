package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/simfarm/internal/artifacts"
	"github.com/animus-labs/simfarm/internal/backend"
	"github.com/animus-labs/simfarm/internal/config"
	"github.com/animus-labs/simfarm/internal/orchestrator"
	"github.com/animus-labs/simfarm/internal/platform/env"
	"github.com/animus-labs/simfarm/internal/queue"
	"github.com/animus-labs/simfarm/internal/queue/memqueue"
	store "github.com/animus-labs/simfarm/internal/storage/objectstore"
	"github.com/animus-labs/simfarm/internal/toolchain"
	"github.com/animus-labs/simfarm/internal/worker"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

type cliArgs struct {
	executable    string
	configuration string
	runFilter     string
	configPath    string
	databaseURL   string
	minioEndpoint string
	sourceDir     string
	outputDir     string
	sourceKey     string
	queue         string
	pollInterval  time.Duration
	timeout       time.Duration
	cleanup       bool
	strict        bool
	local         bool
	// set holds the long names of flags given on the command line.
	set map[string]bool
}

var shortNames = map[string]string{"c": "configuration", "r": "runfilter"}

func parseArgs(args []string, stderr io.Writer) (cliArgs, error) {
	var a cliArgs
	fs := flag.NewFlagSet("simfarm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: simfarm [flags] <executable>")
		fs.PrintDefaults()
	}

	fs.StringVar(&a.configuration, "c", "", "the configuration to run (required)")
	fs.StringVar(&a.configuration, "configuration", "", "the configuration to run (required)")
	fs.StringVar(&a.runFilter, "r", "", "the run filter selecting the runs")
	fs.StringVar(&a.runFilter, "runfilter", "", "the run filter selecting the runs")
	fs.StringVar(&a.configPath, "config", "", "YAML config file (default $SIMFARM_CONFIG)")
	fs.StringVar(&a.databaseURL, "database-url", "", "postgres URL of the job queue (default $SIMFARM_DATABASE_URL)")
	fs.StringVar(&a.minioEndpoint, "minio-endpoint", "", "host:port of the artifact store (default $SIMFARM_MINIO_ENDPOINT)")
	fs.StringVar(&a.sourceDir, "source-dir", "", "directory packed as the model source (default .)")
	fs.StringVar(&a.outputDir, "output-dir", "", "directory results are unpacked into (default .)")
	fs.StringVar(&a.sourceKey, "source-key", "", "artifact key of the model source (default model_source)")
	fs.StringVar(&a.queue, "queue", "", "queue name jobs are submitted to (default default)")
	fs.DurationVar(&a.pollInterval, "poll-interval", 0, "delay between status sweeps (default 100ms)")
	fs.DurationVar(&a.timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	fs.BoolVar(&a.cleanup, "cleanup", false, "delete artifacts once consumed")
	fs.BoolVar(&a.strict, "require-success", false, "exit 1 when a run's simulation did not succeed")
	fs.BoolVar(&a.local, "local", false, "run an in-process worker pool with in-memory queue and store")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return cliArgs{}, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}

	a.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if long, ok := shortNames[name]; ok {
			name = long
		}
		a.set[name] = true
	})

	if len(positional) != 1 {
		fs.Usage()
		return cliArgs{}, fmt.Errorf("expected exactly one executable, got %d arguments", len(positional))
	}
	a.executable = positional[0]
	if strings.TrimSpace(a.configuration) == "" {
		fs.Usage()
		return cliArgs{}, errors.New("-c/--configuration is required")
	}
	return a, nil
}

// clientConfig layers command line flags over file and environment values.
func (a cliArgs) clientConfig(src env.Source) (orchestrator.Config, error) {
	cfg, err := orchestrator.ConfigFromEnv(src)
	if err != nil {
		return orchestrator.Config{}, err
	}
	if a.set["source-dir"] {
		cfg.SourceDir = a.sourceDir
	}
	if a.set["output-dir"] {
		cfg.OutputDir = a.outputDir
	}
	if a.set["source-key"] {
		cfg.SourceKey = a.sourceKey
	}
	if a.set["queue"] {
		cfg.Queue = a.queue
	}
	if a.set["poll-interval"] {
		cfg.PollInterval = a.pollInterval
	}
	if a.set["timeout"] {
		cfg.Timeout = a.timeout
	}
	if a.set["cleanup"] {
		cfg.Cleanup = a.cleanup
	}
	if a.set["require-success"] {
		cfg.RequireSuccess = a.strict
	}
	if err := cfg.Validate(); err != nil {
		return orchestrator.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	a, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		logger.Error("invalid arguments", "error", err)
		return exitUsage
	}

	src, err := config.Source(a.configPath)
	if err != nil {
		logger.Error("invalid config file", "error", err)
		return exitUsage
	}
	clientCfg, err := a.clientConfig(src)
	if err != nil {
		logger.Error("invalid client config", "error", err)
		return exitUsage
	}

	var (
		q             queue.Queue
		artifactStore orchestrator.ArtifactStore
	)
	if a.local {
		local, err := startLocal(ctx, src, logger)
		if err != nil {
			logger.Error("invalid worker config", "error", err)
			return exitUsage
		}
		defer local.stop()
		q, artifactStore = local.queue, local.artifacts
	} else {
		backendCfg, err := backend.ConfigFromEnv(src)
		if err == nil {
			backendCfg, err = backendCfg.Override(a.databaseURL, a.minioEndpoint)
		}
		if err != nil {
			logger.Error("invalid backend config", "error", err)
			return exitUsage
		}
		b, err := backend.Open(ctx, backendCfg, logger)
		if err != nil {
			logger.Error("backend unavailable", "error", err)
			return exitFailure
		}
		defer func() { _ = b.Close() }()
		q, artifactStore = b.Queue, b.Artifacts
	}

	enumerator := toolchain.NewEnumerator(clientCfg.EnumerateCmd, toolchain.Exec{})
	enumerator.Dir = clientCfg.SourceDir
	client, err := orchestrator.New(q, artifactStore, enumerator, clientCfg.Options(), logger)
	if err != nil {
		logger.Error("client init failed", "error", err)
		return exitUsage
	}

	report, err := client.Run(ctx, orchestrator.Request{
		Executable:    a.executable,
		Configuration: a.configuration,
		RunFilter:     a.runFilter,
	})
	if err != nil {
		logger.Error("batch failed", "batch", report.BatchID, "error", err)
		return exitFailure
	}
	if err := report.Err(); err != nil {
		logger.Error("runs failed", "batch", report.BatchID, "error", err)
		return exitFailure
	}
	if err := report.OutcomeErr(); err != nil {
		if clientCfg.RequireSuccess {
			logger.Error("runs did not succeed", "batch", report.BatchID, "error", err)
			return exitFailure
		}
		logger.Warn("runs did not succeed", "batch", report.BatchID, "error", err)
	}
	return exitOK
}

type localFarm struct {
	queue     *memqueue.Queue
	artifacts *artifacts.Store
	stop      func()
}

// startLocal runs a worker pool in this process against an in-memory queue
// and artifact store.
func startLocal(ctx context.Context, src env.Source, logger *slog.Logger) (*localFarm, error) {
	workerCfg, err := worker.ConfigFromEnv(src)
	if err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp("", "simfarm-local-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	poolCfg := workerCfg.PoolConfig()
	poolCfg.WorkDir = filepath.Join(workDir, "work")
	poolCfg.WorkerID = "local"

	q := memqueue.New()
	art, err := artifacts.NewStore(store.NewMemoryStore(), "local", "")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	workerLogger := logger.With("component", "worker")
	pool, err := worker.NewPool(q, poolCfg, workerLogger)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	exec, err := worker.NewExecutor(art, q, toolchain.Exec{}, workerCfg.ExecutorConfig(), workerLogger)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	exec.Register(pool)

	poolCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(poolCtx); err != nil {
			logger.Error("local worker pool stopped", "error", err)
		}
	}()
	return &localFarm{
		queue:     q,
		artifacts: art,
		stop: func() {
			cancel()
			<-done
			_ = os.RemoveAll(workDir)
		},
	}, nil
}
