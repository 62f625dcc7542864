package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// OutcomeKind classifies how an external process ended.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeExit    OutcomeKind = "exit"
	OutcomeSignal  OutcomeKind = "signal"
	// OutcomeError means the process could not be started or waited on.
	OutcomeError OutcomeKind = "error"
)

// Outcome is the typed result of one external invocation. Callers inspect it
// explicitly; a failed toolchain step is data, not an error.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Signal   string
	Err      error
	Output   string
}

func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// String renders the outcome in the form stored in job metadata.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "success"
	case OutcomeExit:
		return "exit:" + strconv.Itoa(o.ExitCode)
	case OutcomeSignal:
		return "signal:" + o.Signal
	default:
		return "error"
	}
}

// Command describes one external invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Runner executes commands. Exec is the os/exec implementation.
type Runner interface {
	Run(ctx context.Context, cmd Command) Outcome
}

type Exec struct {
	// OutputLimit caps how much combined output is retained. Zero keeps 64 KiB.
	OutputLimit int
}

func (e Exec) Run(ctx context.Context, c Command) Outcome {
	if strings.TrimSpace(c.Path) == "" {
		return Outcome{Kind: OutcomeError, Err: errors.New("command path is required")}
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	limit := e.OutputLimit
	if limit <= 0 {
		limit = 64 << 10
	}
	out := &tailBuffer{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	return classify(err, out.String())
}

func classify(err error, output string) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Output: output}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Outcome{Kind: OutcomeSignal, Signal: status.Signal().String(), ExitCode: -1, Err: err, Output: output}
		}
		return Outcome{Kind: OutcomeExit, ExitCode: exitErr.ExitCode(), Err: err, Output: output}
	}
	return Outcome{Kind: OutcomeError, ExitCode: -1, Err: err, Output: output}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

// Describe formats an outcome for logs.
func Describe(c Command, o Outcome) string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", c, o, o.Err)
	}
	return fmt.Sprintf("%s: %s", c, o)
}
