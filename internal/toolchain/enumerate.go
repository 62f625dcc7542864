package toolchain

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var runNumbersPattern = regexp.MustCompile(`Run numbers: ([\d ]+)`)

// EnumerationFormatError reports enumeration tool output that does not carry
// a run number list.
type EnumerationFormatError struct {
	Output string
}

func (e *EnumerationFormatError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 200 {
		out = out[:200] + "..."
	}
	return fmt.Sprintf("enumeration output does not match %q: %q", runNumbersPattern.String(), out)
}

// Enumerator expands a configuration and run filter into run identifiers
// by running `<tool> -q runnumbers -c <configuration> -r <runfilter>`.
type Enumerator struct {
	Tool   string
	Dir    string
	Runner Runner
}

func NewEnumerator(tool string, runner Runner) *Enumerator {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		tool = "opp_run"
	}
	if runner == nil {
		runner = Exec{}
	}
	return &Enumerator{Tool: tool, Runner: runner}
}

func (e *Enumerator) Runs(ctx context.Context, configuration, runFilter string) ([]string, error) {
	if strings.TrimSpace(configuration) == "" {
		return nil, fmt.Errorf("configuration is required")
	}
	cmd := Command{
		Path: e.Tool,
		Args: []string{"-q", "runnumbers", "-c", configuration, "-r", runFilter},
		Dir:  e.Dir,
	}
	outcome := e.Runner.Run(ctx, cmd)
	if !outcome.OK() {
		return nil, fmt.Errorf("enumerate runs: %s", Describe(cmd, outcome))
	}
	return ParseRunNumbers(outcome.Output)
}

// ParseRunNumbers extracts the whitespace separated run list from the
// enumeration tool's output.
func ParseRunNumbers(output string) ([]string, error) {
	match := runNumbersPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, &EnumerationFormatError{Output: output}
	}
	runs := strings.Fields(match[1])
	if len(runs) == 0 {
		return nil, &EnumerationFormatError{Output: output}
	}
	return runs, nil
}
