package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/simfarm/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Task is a claimed job together with the slot's private working directory.
type Task struct {
	Job     queue.Job
	WorkDir string
}

// Handler executes one job function and returns the job result.
type Handler func(ctx context.Context, task Task) ([]byte, error)

type PoolConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	WorkDir      string
	WorkerID     string
}

// SlotStatus reports what a slot is doing right now.
type SlotStatus struct {
	Slot      int        `json:"slot"`
	JobID     string     `json:"job_id,omitempty"`
	Func      string     `json:"func,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Processed int        `json:"processed"`
}

// reportTimeout bounds Finish/Fail calls made after the pool context is gone.
const reportTimeout = 10 * time.Second

type Pool struct {
	q      queue.Queue
	cfg    PoolConfig
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	slots    []SlotStatus
}

func NewPool(q queue.Queue, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = queue.DefaultQueue
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	slots := make([]SlotStatus, cfg.Concurrency)
	for i := range slots {
		slots[i].Slot = i
	}
	return &Pool{
		q:        q,
		cfg:      cfg,
		logger:   logger,
		handlers: map[string]Handler{},
		slots:    slots,
	}, nil
}

// Handle registers h for jobs whose Func is name.
func (p *Pool) Handle(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// Run processes jobs until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "queue", p.cfg.Queue, "worker_id", p.cfg.WorkerID, "concurrency", p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		slot := slot
		g.Go(func() error {
			p.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", "worker_id", p.cfg.WorkerID)
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.RunOnce(ctx, slot)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("claim failed", "slot", slot, "error", err)
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims at most one job for slot and executes it. It reports
// whether a job was claimed.
func (p *Pool) RunOnce(ctx context.Context, slot int) (bool, error) {
	if slot < 0 || slot >= len(p.slots) {
		return false, fmt.Errorf("slot %d out of range", slot)
	}
	workerID := fmt.Sprintf("%s/slot-%d", p.cfg.WorkerID, slot)
	job, ok, err := p.q.Claim(ctx, p.cfg.Queue, workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	p.setSlot(slot, job)
	defer p.clearSlot(slot)

	logger := p.logger.With("job_id", job.ID, "func", job.Func, "slot", slot)
	logger.Info("job started")
	started := time.Now()

	task := Task{Job: job, WorkDir: p.slotDir(slot)}
	result, err := p.dispatch(ctx, task)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err != nil {
		logger.Warn("job failed", "error", err, "duration", time.Since(started))
		if ferr := p.q.Fail(reportCtx, job.ID, err.Error()); ferr != nil {
			logger.Error("report failure failed", "error", ferr)
		}
		return true, nil
	}
	if ferr := p.q.Finish(reportCtx, job.ID, result); ferr != nil {
		logger.Error("report result failed", "error", ferr)
		return true, nil
	}
	logger.Info("job finished", "duration", time.Since(started))
	return true, nil
}

func (p *Pool) dispatch(ctx context.Context, task Task) (result []byte, err error) {
	p.mu.RLock()
	h, ok := p.handlers[task.Job.Func]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for func %q", task.Job.Func)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", "job_id", task.Job.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (p *Pool) slotDir(slot int) string {
	return filepath.Join(p.cfg.WorkDir, fmt.Sprintf("slot-%d", slot))
}

func (p *Pool) setSlot(slot int, job queue.Job) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[slot].JobID = job.ID
	p.slots[slot].Func = job.Func
	p.slots[slot].StartedAt = &now
}

func (p *Pool) clearSlot(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[slot].JobID = ""
	p.slots[slot].Func = ""
	p.slots[slot].StartedAt = nil
	p.slots[slot].Processed++
}

// Status snapshots every slot.
func (p *Pool) Status() []SlotStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SlotStatus, len(p.slots))
	copy(out, p.slots)
	for i := range out {
		if out[i].StartedAt != nil {
			t := *out[i].StartedAt
			out[i].StartedAt = &t
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Handlers lists registered function names.
func (p *Pool) Handlers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
