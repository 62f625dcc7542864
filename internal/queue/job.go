// Package queue defines the job model and the queue contract that carries
// build and run jobs from the client to workers.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusDeferred Status = "deferred"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	// StatusBlocked marks a job whose predecessor failed or was itself
	// blocked. It can never be dispatched.
	StatusBlocked Status = "blocked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusDeferred, StatusStarted, StatusFinished, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether the job will never change state again.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusBlocked
}

// Done reports successful completion.
func (s Status) Done() bool { return s == StatusFinished }

// Function names understood by workers.
const (
	FuncBuild = "build"
	FuncRun   = "run"
)

const DefaultQueue = "default"

var ErrJobNotFound = errors.New("job not found")

// ErrNotClaimed is returned by Finish and Fail for a job that is not started.
var ErrNotClaimed = errors.New("job is not started")

// Job is a unit of work as recorded by the queue.
type Job struct {
	ID         string
	Queue      string
	Func       string
	Args       []string
	DependsOn  string
	Meta       Meta
	Status     Status
	Result     []byte
	Error      string
	WorkerID   string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// Submission describes a job to enqueue.
type Submission struct {
	Queue     string
	Func      string
	Args      []string
	DependsOn string
	// Meta is stored atomically with the job so it is visible before the job
	// can possibly finish.
	Meta Meta
}

func (s Submission) normalize() Submission {
	s.Queue = strings.TrimSpace(s.Queue)
	if s.Queue == "" {
		s.Queue = DefaultQueue
	}
	s.Func = strings.TrimSpace(s.Func)
	s.DependsOn = strings.TrimSpace(s.DependsOn)
	if s.Args == nil {
		s.Args = []string{}
	}
	s.Meta = s.Meta.Clone()
	return s
}

// Prepare normalizes and validates a submission. Queue implementations call
// it before writing anything.
func (s Submission) Prepare() (Submission, error) {
	s = s.normalize()
	if s.Func == "" {
		return Submission{}, &SubmissionError{Func: s.Func, Err: errors.New("function is required")}
	}
	if err := s.Meta.Validate(); err != nil {
		return Submission{}, &SubmissionError{Func: s.Func, Err: err}
	}
	return s, nil
}

// SubmissionError reports a submission the queue rejected.
type SubmissionError struct {
	Func string
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Func == "" {
		return fmt.Sprintf("submit job: %v", e.Err)
	}
	return fmt.Sprintf("submit %s job: %v", e.Func, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// InitialStatus decides the status of a new job from its predecessor's
// status. hasPredecessor is false for jobs without a dependency.
func InitialStatus(hasPredecessor bool, predecessor Status) Status {
	if !hasPredecessor {
		return StatusQueued
	}
	switch predecessor {
	case StatusFinished:
		return StatusQueued
	case StatusFailed, StatusBlocked:
		return StatusBlocked
	default:
		return StatusDeferred
	}
}

// BlockedReason is the error recorded on jobs blocked by a failed ancestor.
func BlockedReason(failedID string) string {
	return "dependency " + failedID + " did not finish"
}
