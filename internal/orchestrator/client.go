// Package orchestrator drives one batch: it enumerates the runs of a
// configuration, ships the model source, submits one build job plus a run
// job per run number, and collects results as they finish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/animus-labs/simfarm/internal/archive"
	"github.com/animus-labs/simfarm/internal/queue"
)

const (
	DefaultSourceKey    = "model_source"
	DefaultPollInterval = 100 * time.Millisecond
)

// ArtifactStore is the part of artifacts.Store the client needs.
type ArtifactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Replace(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// RunEnumerator lists the run numbers selected by a configuration and filter.
type RunEnumerator interface {
	Runs(ctx context.Context, configuration, runFilter string) ([]string, error)
}

type Options struct {
	Queue     string
	SourceDir string
	OutputDir string
	SourceKey string
	// Excludes are directory names left out of the source archive. Nil
	// means archive.DefaultSourceExcludes.
	Excludes     []string
	PollInterval time.Duration
	// Timeout bounds the wait for results. Zero waits until every run is
	// settled or ctx ends.
	Timeout time.Duration
	// Cleanup deletes consumed artifacts.
	Cleanup bool
}

type Request struct {
	Executable    string
	Configuration string
	RunFilter     string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Executable) == "" {
		return errors.New("executable is required")
	}
	if strings.TrimSpace(r.Configuration) == "" {
		return errors.New("configuration is required")
	}
	return nil
}

type Client struct {
	q          queue.Queue
	artifacts  ArtifactStore
	enumerator RunEnumerator
	opts       Options
	logger     *slog.Logger
	newID      func() string
}

func New(q queue.Queue, artifacts ArtifactStore, enumerator RunEnumerator, opts Options, logger *slog.Logger) (*Client, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if enumerator == nil {
		return nil, errors.New("run enumerator is required")
	}
	if opts.Timeout < 0 {
		return nil, errors.New("timeout must be >= 0")
	}
	if strings.TrimSpace(opts.SourceKey) == "" {
		opts.SourceKey = DefaultSourceKey
	}
	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Excludes == nil {
		opts.Excludes = archive.DefaultSourceExcludes
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		q:          q,
		artifacts:  artifacts,
		enumerator: enumerator,
		opts:       opts,
		logger:     logger,
		newID:      uuid.NewString,
	}, nil
}

type pending struct {
	handle    *queue.Handle
	runNumber string
}

// Run executes one batch. The returned report is populated as far as the
// batch got, also when an error is returned. Failed runs are reported in
// Report.Failures, not as an error.
func (c *Client) Run(ctx context.Context, req Request) (Report, error) {
	if err := req.validate(); err != nil {
		return Report{}, err
	}
	report := Report{BatchID: c.newID()}
	logger := c.logger.With("batch", report.BatchID)

	runs, err := c.enumerator.Runs(ctx, req.Configuration, req.RunFilter)
	if err != nil {
		return report, err
	}
	report.Runs = runs
	logger.Info("matched runs", "configuration", req.Configuration, "runfilter", req.RunFilter, "runs", strings.Join(runs, " "))

	source, err := archive.Pack(c.opts.SourceDir, c.opts.Excludes)
	if err != nil {
		return report, fmt.Errorf("pack sources: %w", err)
	}
	logger.Info("size of sources", "bytes", len(source), "source_key", c.opts.SourceKey)
	if err := c.artifacts.Replace(ctx, c.opts.SourceKey, source); err != nil {
		return report, fmt.Errorf("upload sources: %w", err)
	}

	build, err := queue.Submit(ctx, c.q, queue.Submission{
		Queue: c.opts.Queue,
		Func:  queue.FuncBuild,
		Args:  []string{c.opts.SourceKey},
		Meta:  queue.Meta{queue.MetaBatch: report.BatchID},
	})
	if err != nil {
		return report, err
	}
	report.BuildJobID = build.ID()
	logger.Info("build job submitted", "job_id", build.ID())

	var wait deque.Deque[pending]
	for _, run := range runs {
		h, err := queue.Submit(ctx, c.q, queue.Submission{
			Queue:     c.opts.Queue,
			Func:      queue.FuncRun,
			Args:      []string{build.ID(), req.Executable, "-c", req.Configuration, "-r", run},
			DependsOn: build.ID(),
			Meta:      queue.Meta{queue.MetaRunNumber: run, queue.MetaBatch: report.BatchID},
		})
		if err != nil {
			return report, err
		}
		wait.PushBack(pending{handle: h, runNumber: run})
	}
	logger.Info("run jobs submitted", "count", wait.Len())

	if err := c.drain(ctx, logger, &wait, &report); err != nil {
		return report, err
	}

	report.BuildOutcome = c.buildOutcome(ctx, build)
	if c.opts.Cleanup {
		c.remove(ctx, logger, build.ID(), c.opts.SourceKey)
	}
	logger.Info("all done",
		"results", len(report.Results),
		"unsuccessful", len(report.Unsuccessful()),
		"failures", len(report.Failures),
		"build_outcome", report.BuildOutcome)
	return report, nil
}

// drain polls the wait set until it is empty. Each sweep visits the jobs
// present at its start exactly once.
func (c *Client) drain(ctx context.Context, logger *slog.Logger, wait *deque.Deque[pending], report *Report) error {
	var deadline <-chan time.Time
	if c.opts.Timeout > 0 {
		timer := time.NewTimer(c.opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for wait.Len() > 0 {
		n := wait.Len()
		for i := 0; i < n; i++ {
			p := wait.PopFront()
			settled, err := c.check(ctx, logger, p, report)
			if err != nil {
				wait.PushFront(p)
				return err
			}
			if !settled {
				wait.PushBack(p)
			}
		}
		if wait.Len() == 0 {
			return nil
		}

		poll := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return ctx.Err()
		case <-deadline:
			poll.Stop()
			return fmt.Errorf("%w after %s: outstanding runs %s", ErrWaitTimeout, c.opts.Timeout, outstanding(wait))
		case <-poll.C:
		}
	}
	return nil
}

// check inspects one pending run and reports whether it is settled.
func (c *Client) check(ctx context.Context, logger *slog.Logger, p pending, report *Report) (bool, error) {
	status, err := p.handle.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("status of run %s: %w", p.runNumber, err)
	}
	switch status {
	case queue.StatusFinished:
		result, err := c.collect(ctx, p)
		if err != nil {
			logger.Warn("collect result failed", "runnumber", p.runNumber, "job_id", p.handle.ID(), "error", err)
			report.Failures = append(report.Failures, RunFailure{RunNumber: p.runNumber, JobID: p.handle.ID(), Status: status, Error: err.Error()})
			return true, nil
		}
		report.Results = append(report.Results, result)
		logger.Info("job for run finished", "runnumber", result.RunNumber, "job_id", result.JobID, "bytes", result.Bytes, "outcome", result.Outcome)
		if c.opts.Cleanup {
			c.remove(ctx, logger, p.handle.ID())
		}
		return true, nil
	case queue.StatusFailed, queue.StatusBlocked:
		job, err := c.q.Job(ctx, p.handle.ID())
		if err != nil {
			return false, fmt.Errorf("inspect run %s: %w", p.runNumber, err)
		}
		report.Failures = append(report.Failures, RunFailure{RunNumber: p.runNumber, JobID: job.ID, Status: status, Error: job.Error})
		logger.Warn("job for run did not finish", "runnumber", p.runNumber, "job_id", job.ID, "status", status, "error", job.Error)
		return true, nil
	default:
		return false, nil
	}
}

func (c *Client) collect(ctx context.Context, p pending) (RunResult, error) {
	meta, err := p.handle.Meta(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("read meta: %w", err)
	}
	runNumber, err := meta.RunNumber()
	if err != nil {
		return RunResult{}, err
	}
	key, err := p.handle.Result(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("read result: %w", err)
	}
	resultKey := string(key)
	if resultKey == "" {
		resultKey = p.handle.ID()
	}
	data, err := c.artifacts.Get(ctx, resultKey)
	if err != nil {
		return RunResult{}, fmt.Errorf("fetch results: %w", err)
	}
	if err := archive.Unpack(data, c.opts.OutputDir); err != nil {
		return RunResult{}, fmt.Errorf("unpack results into %s: %w", filepath.Clean(c.opts.OutputDir), err)
	}
	return RunResult{RunNumber: runNumber, JobID: p.handle.ID(), Bytes: len(data), Outcome: meta[queue.MetaOutcome]}, nil
}

func (c *Client) buildOutcome(ctx context.Context, build *queue.Handle) string {
	meta, err := build.Meta(ctx)
	if err != nil {
		return ""
	}
	return meta[queue.MetaOutcome]
}

func (c *Client) remove(ctx context.Context, logger *slog.Logger, keys ...string) {
	for _, key := range keys {
		if err := c.artifacts.Delete(ctx, key); err != nil {
			logger.Warn("artifact cleanup failed", "key", key, "error", err)
		}
	}
}

func outstanding(wait *deque.Deque[pending]) string {
	runs := make([]string, 0, wait.Len())
	for i := 0; i < wait.Len(); i++ {
		runs = append(runs, wait.At(i).runNumber)
	}
	sort.Strings(runs)
	return strings.Join(runs, " ")
}
