package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/simfarm/internal/platform/env"
	"github.com/animus-labs/simfarm/internal/queue"
)

type Config struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	WorkDir      string
	WorkerID     string
	HTTPAddr     string
	Make         string
	StrictBuild  bool
}

func ConfigFromEnv(src env.Source) (Config, error) {
	concurrency, err := src.Int("SIMFARM_WORKER_CONCURRENCY", 1)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := src.Duration("SIMFARM_WORKER_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	strictBuild, err := src.Bool("SIMFARM_WORKER_STRICT_BUILD", false)
	if err != nil {
		return Config{}, err
	}

	workerID := strings.TrimSpace(src.String("SIMFARM_WORKER_ID", defaultWorkerID()))
	cfg := Config{
		Queue:        strings.TrimSpace(src.String("SIMFARM_WORKER_QUEUE", queue.DefaultQueue)),
		Concurrency:  concurrency,
		PollInterval: pollInterval,
		WorkDir:      strings.TrimSpace(src.String("SIMFARM_WORKER_WORKDIR", defaultWorkDir(workerID))),
		WorkerID:     workerID,
		HTTPAddr:     strings.TrimSpace(src.String("SIMFARM_WORKER_HTTP_ADDR", ":8090")),
		Make:         strings.TrimSpace(src.String("SIMFARM_WORKER_MAKE", "make")),
		StrictBuild:  strictBuild,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Queue == "" {
		return errors.New("SIMFARM_WORKER_QUEUE is required")
	}
	if c.Concurrency < 1 {
		return errors.New("SIMFARM_WORKER_CONCURRENCY must be >= 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("SIMFARM_WORKER_POLL_INTERVAL must be positive")
	}
	if c.WorkDir == "" {
		return errors.New("SIMFARM_WORKER_WORKDIR is required")
	}
	if filepath.Clean(c.WorkDir) == string(filepath.Separator) {
		return errors.New("SIMFARM_WORKER_WORKDIR must not be the filesystem root")
	}
	if c.WorkerID == "" {
		return errors.New("SIMFARM_WORKER_ID is required")
	}
	if c.Make == "" {
		return errors.New("SIMFARM_WORKER_MAKE is required")
	}
	return nil
}

func (c Config) PoolConfig() PoolConfig {
	return PoolConfig{
		Queue:        c.Queue,
		Concurrency:  c.Concurrency,
		PollInterval: c.PollInterval,
		WorkDir:      c.WorkDir,
		WorkerID:     c.WorkerID,
	}
}

func (c Config) ExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Make: c.Make, StrictBuild: c.StrictBuild}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// defaultWorkDir gives each worker process its own directory so workers on
// one host never reset each other's job directories.
func defaultWorkDir(workerID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, workerID)
	return filepath.Join(os.TempDir(), "simfarm-worker", name)
}
