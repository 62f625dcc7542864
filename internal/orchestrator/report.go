package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/simfarm/internal/queue"
	"github.com/animus-labs/simfarm/internal/toolchain"
)

// ErrWaitTimeout is returned when runs are still outstanding after the
// configured timeout.
var ErrWaitTimeout = errors.New("timed out waiting for runs")

type RunResult struct {
	RunNumber string `json:"runnumber"`
	JobID     string `json:"job_id"`
	Bytes     int    `json:"bytes"`
	// Outcome is the simulation outcome recorded by the worker, for example
	// "success" or "exit:1".
	Outcome string `json:"outcome"`
}

type RunFailure struct {
	RunNumber string       `json:"runnumber"`
	JobID     string       `json:"job_id"`
	Status    queue.Status `json:"status"`
	Error     string       `json:"error"`
}

// Report summarizes one batch.
type Report struct {
	BatchID      string       `json:"batch_id"`
	BuildJobID   string       `json:"build_job_id"`
	BuildOutcome string       `json:"build_outcome,omitempty"`
	Runs         []string     `json:"runs"`
	Results      []RunResult  `json:"results"`
	Failures     []RunFailure `json:"failures"`
}

// Err reports the failed runs, or nil when every run was collected.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	parts := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		parts = append(parts, fmt.Sprintf("run %s %s: %s", f.RunNumber, f.Status, f.Error))
	}
	return fmt.Errorf("%d of %d runs failed: %s", len(r.Failures), len(r.Runs), strings.Join(parts, "; "))
}

// Unsuccessful returns the collected runs whose simulation did not succeed.
func (r Report) Unsuccessful() []RunResult {
	var out []RunResult
	for _, res := range r.Results {
		if res.Outcome != string(toolchain.OutcomeSuccess) {
			out = append(out, res)
		}
	}
	return out
}

// OutcomeErr reports collected runs with a non-success outcome, or nil.
func (r Report) OutcomeErr() error {
	bad := r.Unsuccessful()
	if len(bad) == 0 {
		return nil
	}
	parts := make([]string, 0, len(bad))
	for _, res := range bad {
		parts = append(parts, fmt.Sprintf("run %s %s", res.RunNumber, res.Outcome))
	}
	return fmt.Errorf("%d of %d runs did not succeed: %s", len(bad), len(r.Runs), strings.Join(parts, "; "))
}
