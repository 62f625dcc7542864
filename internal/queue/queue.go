package queue

import "context"

// Queue accepts job submissions, dispatches them to workers and exposes
// their state. A job with a predecessor is never dispatched before the
// predecessor finishes; if the predecessor fails, the job becomes blocked.
type Queue interface {
	Enqueue(ctx context.Context, sub Submission) (Job, error)
	Job(ctx context.Context, id string) (Job, error)
	Status(ctx context.Context, id string) (Status, error)
	SetMeta(ctx context.Context, id string, meta Meta) error
	Meta(ctx context.Context, id string) (Meta, error)

	// Claim hands the oldest queued job of queueName to workerID.
	Claim(ctx context.Context, queueName, workerID string) (Job, bool, error)
	Finish(ctx context.Context, id string, result []byte) error
	Fail(ctx context.Context, id string, message string) error
}

// Handle is a submitter's view of one job.
type Handle struct {
	q  Queue
	id string
}

func NewHandle(q Queue, id string) *Handle {
	return &Handle{q: q, id: id}
}

// Submit enqueues sub and returns a handle to the new job.
func Submit(ctx context.Context, q Queue, sub Submission) (*Handle, error) {
	job, err := q.Enqueue(ctx, sub)
	if err != nil {
		return nil, err
	}
	return NewHandle(q, job.ID), nil
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) SetMeta(ctx context.Context, meta Meta) error {
	return h.q.SetMeta(ctx, h.id, meta)
}

func (h *Handle) Meta(ctx context.Context) (Meta, error) {
	return h.q.Meta(ctx, h.id)
}

func (h *Handle) Status(ctx context.Context) (Status, error) {
	return h.q.Status(ctx, h.id)
}

func (h *Handle) IsFinished(ctx context.Context) (bool, error) {
	st, err := h.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Done(), nil
}

// Result returns the job's return payload, or nil while it is not finished.
func (h *Handle) Result(ctx context.Context) ([]byte, error) {
	job, err := h.q.Job(ctx, h.id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Done() {
		return nil, nil
	}
	return job.Result, nil
}
