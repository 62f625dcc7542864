package orchestrator

import (
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/simfarm/internal/archive"
	"github.com/animus-labs/simfarm/internal/platform/env"
	"github.com/animus-labs/simfarm/internal/queue"
)

// Config is the client side configuration read from SIMFARM_CLIENT_*.
type Config struct {
	Queue        string
	SourceDir    string
	OutputDir    string
	SourceKey    string
	Excludes     []string
	PollInterval time.Duration
	Timeout      time.Duration
	Cleanup      bool
	// EnumerateCmd is the tool asked for run numbers.
	EnumerateCmd string
	// RequireSuccess treats collected runs with a non-success outcome as
	// failures of the batch.
	RequireSuccess bool
}

func ConfigFromEnv(src env.Source) (Config, error) {
	pollInterval, err := src.Duration("SIMFARM_CLIENT_POLL_INTERVAL", DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	timeout, err := src.Duration("SIMFARM_CLIENT_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	cleanup, err := src.Bool("SIMFARM_CLIENT_CLEANUP", false)
	if err != nil {
		return Config{}, err
	}
	requireSuccess, err := src.Bool("SIMFARM_CLIENT_REQUIRE_SUCCESS", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Queue:        strings.TrimSpace(src.String("SIMFARM_CLIENT_QUEUE", queue.DefaultQueue)),
		SourceDir:    strings.TrimSpace(src.String("SIMFARM_CLIENT_SOURCE_DIR", ".")),
		OutputDir:    strings.TrimSpace(src.String("SIMFARM_CLIENT_OUTPUT_DIR", ".")),
		SourceKey:    strings.TrimSpace(src.String("SIMFARM_CLIENT_SOURCE_KEY", DefaultSourceKey)),
		Excludes:     src.List("SIMFARM_CLIENT_EXCLUDES", archive.DefaultSourceExcludes),
		PollInterval: pollInterval,
		Timeout:      timeout,
		Cleanup:      cleanup,
		EnumerateCmd: strings.TrimSpace(src.String("SIMFARM_CLIENT_ENUMERATE_CMD", "opp_run")),

		RequireSuccess: requireSuccess,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Queue == "" {
		return errors.New("SIMFARM_CLIENT_QUEUE is required")
	}
	if c.SourceDir == "" || c.OutputDir == "" {
		return errors.New("SIMFARM_CLIENT_SOURCE_DIR and SIMFARM_CLIENT_OUTPUT_DIR are required")
	}
	if c.SourceKey == "" {
		return errors.New("SIMFARM_CLIENT_SOURCE_KEY is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("SIMFARM_CLIENT_POLL_INTERVAL must be positive")
	}
	if c.Timeout < 0 {
		return errors.New("SIMFARM_CLIENT_TIMEOUT must be >= 0")
	}
	if c.EnumerateCmd == "" {
		return errors.New("SIMFARM_CLIENT_ENUMERATE_CMD is required")
	}
	return nil
}

func (c Config) Options() Options {
	return Options{
		Queue:        c.Queue,
		SourceDir:    c.SourceDir,
		OutputDir:    c.OutputDir,
		SourceKey:    c.SourceKey,
		Excludes:     c.Excludes,
		PollInterval: c.PollInterval,
		Timeout:      c.Timeout,
		Cleanup:      c.Cleanup,
	}
}
