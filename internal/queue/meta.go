package queue

import (
	"fmt"
	"strings"
	"unicode"
)

// Meta holds string metadata attached to a job. Known keys:
//
//	runnumber  run identifier the job simulates
//	outcome    toolchain outcome recorded by the worker
//	batch      identifier shared by every job of one client invocation
//
// Other keys are accepted as long as they are plain tokens.
type Meta map[string]string

const (
	MetaRunNumber = "runnumber"
	MetaOutcome   = "outcome"
	MetaBatch     = "batch"
)

func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m overlaid with other.
func (m Meta) Merge(other Meta) Meta {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (m Meta) Validate() error {
	for k, v := range m {
		if !isToken(k) {
			return fmt.Errorf("meta key %q must be a non-empty token", k)
		}
		switch k {
		case MetaRunNumber, MetaBatch:
			if !isToken(v) {
				return fmt.Errorf("meta %s=%q must be a non-empty token", k, v)
			}
		}
	}
	return nil
}

// RunNumber returns the validated run identifier stored on the job.
func (m Meta) RunNumber() (string, error) {
	v, ok := m[MetaRunNumber]
	if !ok {
		return "", fmt.Errorf("meta %s missing", MetaRunNumber)
	}
	if !isToken(v) {
		return "", fmt.Errorf("meta %s=%q must be a non-empty token", MetaRunNumber, v)
	}
	return v, nil
}

func isToken(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	return strings.IndexFunc(s, unicode.IsSpace) < 0
}
