package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/simfarm/internal/archive"
	"github.com/animus-labs/simfarm/internal/queue"
	"github.com/animus-labs/simfarm/internal/toolchain"
)

// ResultsDir is where simulations write their output, relative to the
// working directory.
const ResultsDir = "results"

// ArtifactStore is the subset of artifacts.Store the executors use.
type ArtifactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// MetaWriter records per-job annotations such as the toolchain outcome.
type MetaWriter interface {
	SetMeta(ctx context.Context, id string, meta queue.Meta) error
}

type ExecutorConfig struct {
	// Make is the build tool, "make" when empty.
	Make        string
	CleanArgs   []string
	ReleaseArgs []string
	// StrictBuild fails the build job when the toolchain does not succeed,
	// which blocks every dependent run job.
	StrictBuild bool
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if strings.TrimSpace(c.Make) == "" {
		c.Make = "make"
	}
	if c.CleanArgs == nil {
		c.CleanArgs = []string{"clean"}
	}
	if c.ReleaseArgs == nil {
		c.ReleaseArgs = []string{"MODE=release"}
	}
	return c
}

// Executor implements the build and run job functions.
type Executor struct {
	artifacts ArtifactStore
	meta      MetaWriter
	runner    toolchain.Runner
	cfg       ExecutorConfig
	logger    *slog.Logger
}

func NewExecutor(artifacts ArtifactStore, meta MetaWriter, runner toolchain.Runner, cfg ExecutorConfig, logger *slog.Logger) (*Executor, error) {
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if meta == nil {
		return nil, errors.New("meta writer is required")
	}
	if runner == nil {
		runner = toolchain.Exec{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{artifacts: artifacts, meta: meta, runner: runner, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Register installs the build and run functions on pool.
func (e *Executor) Register(pool *Pool) {
	pool.Handle(queue.FuncBuild, e.Build)
	pool.Handle(queue.FuncRun, e.Run)
}

// Build fetches the source artifact named by Args[0], builds it and stores
// the resulting tree under the job's own ID. It returns that key.
func (e *Executor) Build(ctx context.Context, task Task) ([]byte, error) {
	job := task.Job
	if len(job.Args) < 1 || strings.TrimSpace(job.Args[0]) == "" {
		return nil, errors.New("build: source artifact key argument is required")
	}
	sourceKey := job.Args[0]
	logger := e.logger.With("job_id", job.ID, "func", job.Func)

	if err := resetDir(task.WorkDir); err != nil {
		return nil, err
	}
	defer removeDir(logger, task.WorkDir)

	source, err := e.artifacts.Get(ctx, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("build: fetch source: %w", err)
	}
	if err := archive.Unpack(source, task.WorkDir); err != nil {
		return nil, fmt.Errorf("build: unpack source: %w", err)
	}
	logger.Info("source unpacked", "source_key", sourceKey, "bytes", len(source))

	outcome := e.invoke(ctx, logger, toolchain.Command{Path: e.cfg.Make, Args: e.cfg.CleanArgs, Dir: task.WorkDir})
	release := e.invoke(ctx, logger, toolchain.Command{Path: e.cfg.Make, Args: e.cfg.ReleaseArgs, Dir: task.WorkDir})
	if outcome.OK() {
		outcome = release
	}

	binary, err := archive.Pack(task.WorkDir, nil)
	if err != nil {
		return nil, fmt.Errorf("build: pack binary: %w", err)
	}
	if err := e.artifacts.Put(ctx, job.ID, binary); err != nil {
		return nil, fmt.Errorf("build: store binary: %w", err)
	}
	logger.Info("binary stored", "artifact_key", job.ID, "bytes", len(binary), "outcome", outcome.String())

	e.recordOutcome(ctx, logger, job.ID, outcome)
	if e.cfg.StrictBuild && !outcome.OK() {
		return nil, fmt.Errorf("build: toolchain %s", outcome)
	}
	return []byte(job.ID), nil
}

// Run fetches the binary artifact named by Args[0], runs Args[1] with the
// remaining arguments and stores the results directory under the job's own
// ID. Output is stored even when the simulation fails.
func (e *Executor) Run(ctx context.Context, task Task) ([]byte, error) {
	job := task.Job
	if len(job.Args) < 2 || strings.TrimSpace(job.Args[0]) == "" || strings.TrimSpace(job.Args[1]) == "" {
		return nil, errors.New("run: binary artifact key and executable arguments are required")
	}
	binaryKey, executable, args := job.Args[0], job.Args[1], job.Args[2:]
	logger := e.logger.With("job_id", job.ID, "func", job.Func, "runnumber", job.Meta[queue.MetaRunNumber])

	exePath, err := resolveExecutable(task.WorkDir, executable)
	if err != nil {
		return nil, err
	}
	if err := resetDir(task.WorkDir); err != nil {
		return nil, err
	}
	defer removeDir(logger, task.WorkDir)

	binary, err := e.artifacts.Get(ctx, binaryKey)
	if err != nil {
		return nil, fmt.Errorf("run: fetch binary: %w", err)
	}
	if err := archive.Unpack(binary, task.WorkDir); err != nil {
		return nil, fmt.Errorf("run: unpack binary: %w", err)
	}

	cmd := toolchain.Command{Path: exePath, Args: args, Dir: task.WorkDir}
	var outcome toolchain.Outcome
	if err := markExecutable(exePath); err != nil {
		outcome = toolchain.Outcome{Kind: toolchain.OutcomeError, ExitCode: -1, Err: err}
		logger.Warn("simulation not runnable", "command", cmd.String(), "error", err)
	} else {
		outcome = e.invoke(ctx, logger, cmd)
	}

	results, err := archive.PackDir(task.WorkDir, ResultsDir, nil)
	if err != nil {
		return nil, fmt.Errorf("run: pack results: %w", err)
	}
	if err := e.artifacts.Put(ctx, job.ID, results); err != nil {
		return nil, fmt.Errorf("run: store results: %w", err)
	}
	logger.Info("results stored", "artifact_key", job.ID, "bytes", len(results), "outcome", outcome.String())

	e.recordOutcome(ctx, logger, job.ID, outcome)
	return []byte(job.ID), nil
}

func (e *Executor) invoke(ctx context.Context, logger *slog.Logger, cmd toolchain.Command) toolchain.Outcome {
	outcome := e.runner.Run(ctx, cmd)
	if outcome.OK() {
		logger.Info("command succeeded", "command", cmd.String())
		return outcome
	}
	logger.Warn("command failed", "command", cmd.String(), "outcome", outcome.String(), "output_tail", tail(outcome.Output, 2048))
	return outcome
}

func (e *Executor) recordOutcome(ctx context.Context, logger *slog.Logger, jobID string, outcome toolchain.Outcome) {
	if err := e.meta.SetMeta(ctx, jobID, queue.Meta{queue.MetaOutcome: outcome.String()}); err != nil {
		logger.Warn("record outcome failed", "error", err)
	}
}

func resolveExecutable(workDir, executable string) (string, error) {
	if filepath.IsAbs(executable) {
		return executable, nil
	}
	p := filepath.Join(workDir, executable)
	rel, err := filepath.Rel(workDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("run: executable %q escapes the working directory", executable)
	}
	return p, nil
}

func markExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return os.Chmod(path, info.Mode().Perm()|0o111)
}

// resetDir gives a job an empty working directory, discarding leftovers
// from an earlier job on this slot.
func resetDir(dir string) error {
	if strings.TrimSpace(dir) == "" || filepath.Clean(dir) == string(filepath.Separator) {
		return fmt.Errorf("refusing to use %q as working directory", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stale working directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	return nil
}

func removeDir(logger *slog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("remove working directory failed", "dir", dir, "error", err)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
