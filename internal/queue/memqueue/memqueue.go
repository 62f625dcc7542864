// Package memqueue is an in-process queue.Queue used by local mode and tests.
package memqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/simfarm/internal/queue"
)

// Transition is one recorded state change.
type Transition struct {
	JobID string
	From  queue.Status
	To    queue.Status
}

type Queue struct {
	mu         sync.Mutex
	jobs       map[string]*queue.Job
	order      []string
	dependents map[string][]string
	trace      []Transition
	now        func() time.Time
	newID      func() string
}

func New() *Queue {
	return &Queue{
		jobs:       map[string]*queue.Job{},
		dependents: map[string][]string{},
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func (q *Queue) Enqueue(ctx context.Context, sub queue.Submission) (queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return queue.Job{}, err
	}
	sub, err := sub.Prepare()
	if err != nil {
		return queue.Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var predecessor queue.Status
	if sub.DependsOn != "" {
		pred, ok := q.jobs[sub.DependsOn]
		if !ok {
			return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: fmt.Errorf("%w: depends_on %s", queue.ErrJobNotFound, sub.DependsOn)}
		}
		predecessor = pred.Status
	}

	job := &queue.Job{
		ID:         q.newID(),
		Queue:      sub.Queue,
		Func:       sub.Func,
		Args:       append([]string(nil), sub.Args...),
		DependsOn:  sub.DependsOn,
		Meta:       sub.Meta,
		Status:     queue.InitialStatus(sub.DependsOn != "", predecessor),
		EnqueuedAt: q.now().UTC(),
	}
	if job.Status == queue.StatusBlocked {
		job.Error = queue.BlockedReason(sub.DependsOn)
		ended := job.EnqueuedAt
		job.EndedAt = &ended
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	if sub.DependsOn != "" {
		q.dependents[sub.DependsOn] = append(q.dependents[sub.DependsOn], job.ID)
	}
	q.trace = append(q.trace, Transition{JobID: job.ID, To: job.Status})
	return cloneJob(job), nil
}

func (q *Queue) Job(ctx context.Context, id string) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.get(id)
	if err != nil {
		return queue.Job{}, err
	}
	return cloneJob(job), nil
}

func (q *Queue) Status(ctx context.Context, id string) (queue.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.get(id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (q *Queue) SetMeta(ctx context.Context, id string, meta queue.Meta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.get(id)
	if err != nil {
		return err
	}
	job.Meta = job.Meta.Merge(meta)
	return nil
}

func (q *Queue) Meta(ctx context.Context, id string) (queue.Meta, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.get(id)
	if err != nil {
		return nil, err
	}
	return job.Meta.Clone(), nil
}

func (q *Queue) Claim(ctx context.Context, queueName, workerID string) (queue.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return queue.Job{}, false, err
	}
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		queueName = queue.DefaultQueue
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Queue != queueName || job.Status != queue.StatusQueued {
			continue
		}
		started := q.now().UTC()
		q.transition(job, queue.StatusStarted)
		job.WorkerID = workerID
		job.StartedAt = &started
		return cloneJob(job), true, nil
	}
	return queue.Job{}, false, nil
}

func (q *Queue) Finish(ctx context.Context, id string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.started(id)
	if err != nil {
		return err
	}
	ended := q.now().UTC()
	job.Result = append([]byte(nil), result...)
	job.EndedAt = &ended
	q.transition(job, queue.StatusFinished)
	for _, depID := range q.dependents[id] {
		if dep := q.jobs[depID]; dep.Status == queue.StatusDeferred {
			q.transition(dep, queue.StatusQueued)
		}
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, id string, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.started(id)
	if err != nil {
		return err
	}
	ended := q.now().UTC()
	job.Error = message
	job.EndedAt = &ended
	q.transition(job, queue.StatusFailed)

	pending := append([]string(nil), q.dependents[id]...)
	for len(pending) > 0 {
		depID := pending[0]
		pending = pending[1:]
		dep := q.jobs[depID]
		if dep.Status != queue.StatusDeferred {
			continue
		}
		dep.Error = queue.BlockedReason(id)
		dep.EndedAt = &ended
		q.transition(dep, queue.StatusBlocked)
		pending = append(pending, q.dependents[depID]...)
	}
	return nil
}

// Trace returns every recorded transition in order.
func (q *Queue) Trace() []Transition {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Transition(nil), q.trace...)
}

func (q *Queue) get(id string) (*queue.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return job, nil
}

func (q *Queue) started(id string) (*queue.Job, error) {
	job, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != queue.StatusStarted {
		return nil, fmt.Errorf("%w: %s is %s", queue.ErrNotClaimed, id, job.Status)
	}
	return job, nil
}

func (q *Queue) transition(job *queue.Job, to queue.Status) {
	q.trace = append(q.trace, Transition{JobID: job.ID, From: job.Status, To: to})
	job.Status = to
}

func cloneJob(job *queue.Job) queue.Job {
	out := *job
	out.Args = append([]string(nil), job.Args...)
	out.Meta = job.Meta.Clone()
	if job.Result != nil {
		out.Result = append([]byte(nil), job.Result...)
	}
	return out
}
